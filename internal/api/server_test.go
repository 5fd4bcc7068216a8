package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeController struct {
	state    string
	pauseErr error
}

func (f *fakeController) Start() error { f.state = "capturing"; return nil }
func (f *fakeController) Pause() error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.state = "paused"
	return nil
}
func (f *fakeController) End() error             { f.state = "stopped"; return nil }
func (f *fakeController) Status() map[string]any { return map[string]any{"state": f.state} }

type fakeLister struct {
	objs []storage.Object
	err  error
}

func (f *fakeLister) List(context.Context) ([]storage.Object, error) { return f.objs, f.err }

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestPingAndStatus(t *testing.T) {
	h := New(&fakeController{state: "idle"}, nil, nil).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", body["message"])

	rec, body = do(t, h, http.MethodGet, "/api/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["state"])
}

func TestCaptureCommands(t *testing.T) {
	ctrl := &fakeController{state: "idle"}
	h := New(ctrl, nil, nil).Handler()

	tests := []struct {
		path  string
		state string
	}{
		{"/api/v1/capture/start", "capturing"},
		{"/api/v1/capture/pause", "paused"},
		{"/api/v1/capture/start", "capturing"},
		{"/api/v1/capture/end", "stopped"},
	}
	for _, tt := range tests {
		rec, body := do(t, h, http.MethodPost, tt.path)
		require.Equal(t, http.StatusOK, rec.Code, tt.path)
		status := body["status"].(map[string]any)
		assert.Equal(t, tt.state, status["state"], tt.path)
	}

	rec, _ := do(t, h, http.MethodGet, "/api/v1/capture/start")
	assert.Equal(t, http.StatusNotFound, rec.Code, "commands are POST only")
}

func TestCaptureCommand_Rejected(t *testing.T) {
	h := New(&fakeController{pauseErr: errors.New("recorder not running")}, nil, nil).Handler()

	rec, body := do(t, h, http.MethodPost, "/api/v1/capture/pause")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "recorder not running", body["error"])
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "screen_capture_up 1\n")
	})

	rec, _ := do(t, New(&fakeController{}, metrics, nil).Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "screen_capture_up 1")

	rec, _ = do(t, New(&fakeController{}, nil, nil).Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordings(t *testing.T) {
	lister := &fakeLister{objs: []storage.Object{{Name: "a.mp4", Size: 10, Updated: time.Unix(0, 0).UTC()}}}
	h := New(&fakeController{}, nil, lister).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/v1/recordings")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	lister.objs, lister.err = nil, errors.New("bucket unreachable")
	rec, body = do(t, h, http.MethodGet, "/api/v1/recordings")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bucket unreachable", body["error"])

	lister.err = nil
	rec, body = do(t, h, http.MethodGet, "/api/v1/recordings")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["recordings"])
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := New(&fakeController{state: "idle"}, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
