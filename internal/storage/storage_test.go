package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
)

func writeRecording(t *testing.T, name string, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func TestLocal_PublishAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "published")
	l, err := NewLocal(dir)
	require.NoError(t, err)
	assert.Equal(t, "local", l.Backend())

	first := writeRecording(t, "a.mp4", 1024)
	obj, err := l.Publish(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "a.mp4", obj.Name)
	assert.Equal(t, int64(1024), obj.Size)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), obj.Location)

	second := writeRecording(t, "b.webm", 10)
	_, err = l.Publish(context.Background(), second)
	require.NoError(t, err)
	// Force distinct mtimes so ordering is deterministic.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.mp4"), old, old))

	objs, err := l.List(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 2, "temporary files must not be listed")
	assert.Equal(t, "b.webm", objs[0].Name)
	assert.Equal(t, "a.mp4", objs[1].Name)
}

func TestLocal_PublishInPlace(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir)
	require.NoError(t, err)

	p := filepath.Join(dir, "rec.mp4")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))

	obj, err := l.Publish(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(4), obj.Size)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestLocal_PublishErrors(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = l.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Publish(ctx, writeRecording(t, "c.mp4", 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"rec.mp4":    "video/mp4",
		"REC.WEBM":   "video/webm",
		"a/b/c.mkv":  "video/x-matroska",
		"voice.opus": "audio/ogg",
		"noext":      "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, ContentType(name), name)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{64, 30 * time.Second},
		{0, 1 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

// flakyPublisher fails the first failures calls.
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyPublisher) Backend() string { return "flaky" }

func (f *flakyPublisher) Publish(_ context.Context, localPath string) (Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return Object{}, errors.New("transient")
	}
	return Object{Name: filepath.Base(localPath)}, nil
}

func (f *flakyPublisher) List(context.Context) ([]Object, error) { return nil, nil }
func (f *flakyPublisher) Close() error                           { return nil }

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, RetryDelay: time.Millisecond, MaxRetryDelay: 4 * time.Millisecond}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	inner := &flakyPublisher{failures: 3}
	r := WithRetry(inner, fastRetry(5))

	obj, err := r.Publish(context.Background(), writeRecording(t, "r.mp4", 1))
	require.NoError(t, err)
	assert.Equal(t, "r.mp4", obj.Name)
	assert.Equal(t, uint64(4), r.Attempts())
	assert.Equal(t, uint64(3), r.Retries())
	assert.Equal(t, "flaky", r.Backend(), "embedded publisher methods pass through")
}

func TestRetry_GivesUp(t *testing.T) {
	inner := &flakyPublisher{failures: 100}
	r := WithRetry(inner, fastRetry(2))

	_, err := r.Publish(context.Background(), writeRecording(t, "r.mp4", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Contains(t, err.Error(), "transient")
	assert.Equal(t, 3, inner.calls)
}

func TestRetry_MissingFileIsNotRetried(t *testing.T) {
	inner := &flakyPublisher{}
	r := WithRetry(inner, fastRetry(5))

	_, err := r.Publish(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, inner.calls)
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	inner := &flakyPublisher{failures: 100}
	r := WithRetry(inner, RetryConfig{MaxRetries: 5, RetryDelay: time.Hour, MaxRetryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Publish(ctx, writeRecording(t, "r.mp4", 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, inner.calls)
}

func TestNew_Backends(t *testing.T) {
	p, err := New(context.Background(), config.StorageConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, p)

	dir := t.TempDir()
	p, err = New(context.Background(), config.StorageConfig{
		Backend:       "local",
		Dir:           dir,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "local", p.Backend())

	_, err = p.Publish(context.Background(), writeRecording(t, "x.mp4", 3))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "x.mp4"))

	_, err = New(context.Background(), config.StorageConfig{Backend: "s3"})
	assert.Error(t, err)
}
