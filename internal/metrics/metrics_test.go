package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/muxer"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/session"
)

var (
	_ pipeline.Observer = (*Metrics)(nil)
	_ muxer.Observer    = (*Metrics)(nil)
)

func TestObserverCounters(t *testing.T) {
	m := New()

	m.UnitCaptured(media.KindVideo, 100)
	m.UnitCaptured(media.KindVideo, 50)
	m.UnitCaptured(media.KindAudio, 10)
	m.FrameDropped(media.KindVideo, pipeline.DropNonMonotonic)
	m.PacketEncoded(media.KindAudio, 300, 5*time.Millisecond)
	m.PacketMuxed(media.KindAudio, 300)
	m.FIFOResidual(512)
	m.RecordSourceDrops(media.KindVideo, 3)
	m.RecordSourceDrops(media.KindAudio, 0)

	if got := testutil.ToFloat64(m.UnitsCaptured.WithLabelValues("video")); got != 2 {
		t.Errorf("video units = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesCaptured.WithLabelValues("video")); got != 150 {
		t.Errorf("video bytes = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("video", pipeline.DropNonMonotonic)); got != 1 {
		t.Errorf("non-monotonic drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("video", "source_overflow")); got != 3 {
		t.Errorf("source drops = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.BytesMuxed.WithLabelValues("audio")); got != 300 {
		t.Errorf("audio muxed bytes = %v, want 300", got)
	}
	if got := testutil.ToFloat64(m.FIFOResidualSamples); got != 512 {
		t.Errorf("fifo residual = %v, want 512", got)
	}
	if n := testutil.CollectAndCount(m.EncodeLatency); n != 1 {
		t.Errorf("encode latency series = %d, want 1", n)
	}
}

func TestSessionStateGauge(t *testing.T) {
	m := New()

	if got := testutil.ToFloat64(m.SessionState.WithLabelValues("idle")); got != 1 {
		t.Errorf("initial idle = %v, want 1", got)
	}

	m.RecordSessionState(session.StateCapturing)
	m.RecordSessionState(session.StatePaused)
	m.RecordSessionState(session.StateCapturing)

	for state, want := range map[string]float64{"idle": 0, "capturing": 1, "paused": 0, "stopped": 0} {
		if got := testutil.ToFloat64(m.SessionState.WithLabelValues(state)); got != want {
			t.Errorf("state %s = %v, want %v", state, got, want)
		}
	}
	if got := testutil.ToFloat64(m.CaptureStarts); got != 2 {
		t.Errorf("capture starts = %v, want 2", got)
	}
	// A resume is not a new session.
	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("sessions started = %v, want 1", got)
	}

	m.RecordSessionState(session.StateStopped)
	if got := testutil.ToFloat64(m.SessionsStarted); got != 1 {
		t.Errorf("sessions started after stop = %v, want 1", got)
	}
}

func TestUploads(t *testing.T) {
	m := New()
	m.RecordUpload("gcs", nil, time.Second)
	m.RecordUpload("gcs", errors.New("boom"), time.Second)
	m.RecordRecording(4 << 20)

	if got := testutil.ToFloat64(m.Uploads.WithLabelValues("gcs", "ok")); got != 1 {
		t.Errorf("ok uploads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Uploads.WithLabelValues("gcs", "error")); got != 1 {
		t.Errorf("failed uploads = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.PacketMuxed(media.KindVideo, 1234)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`screen_capture_packets_muxed_total{stream="video"} 1`,
		`screen_capture_bytes_muxed_total{stream="video"} 1234`,
		`screen_capture_session_state{state="idle"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.UnitCaptured(media.KindVideo, 1)
	if got := testutil.ToFloat64(b.UnitsCaptured.WithLabelValues("video")); got != 0 {
		t.Errorf("second registry saw %v units", got)
	}
}
