package screencapture

import (
	"errors"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/muxer"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/session"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/storage"
)

var (
	// ErrNotOpen is returned by operations that need a successful Open.
	ErrNotOpen = errors.New("screen-capture: recorder not open")
	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("screen-capture: recorder already open")
	// ErrNotRunning is returned by Wait before Run.
	ErrNotRunning = errors.New("screen-capture: recorder not running")
	// ErrAlreadyRunning is returned by operations not allowed after Run.
	ErrAlreadyRunning = errors.New("screen-capture: recorder already running")
	// ErrEnded is returned by Start and Pause after End.
	ErrEnded = errors.New("screen-capture: session ended")
	// ErrNotFinished is returned by Publish before a clean Wait.
	ErrNotFinished = errors.New("screen-capture: recording not finished")
	// ErrNoPublisher is returned by Publish when no storage is configured.
	ErrNoPublisher = errors.New("screen-capture: no storage publisher configured")
)

// State is the capture session state.
type State = session.State

// Stats is a snapshot of a recorder.
type Stats struct {
	// ID identifies this recording.
	ID string
	// State is the session state.
	State string
	// Output is the container path.
	Output string
	// Uptime is the time since Run.
	Uptime time.Duration
	// Video and Audio are nil when the stream is disabled.
	Video *pipeline.Stats
	Audio *pipeline.Stats
	// Muxer holds per-stream write counters.
	Muxer muxer.Stats
	// SourceDrops counts units dropped inside the capture sources.
	SourceDrops map[string]uint64
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithEngine replaces the FFmpeg engine.
func WithEngine(eng media.Engine) Option {
	return func(r *Recorder) { r.engine = eng }
}

// WithVideoSource replaces the configured screen source.
func WithVideoSource(src media.Source) Option {
	return func(r *Recorder) { r.videoSrc = src }
}

// WithAudioSource replaces the configured microphone source.
func WithAudioSource(src media.Source) Option {
	return func(r *Recorder) { r.audioSrc = src }
}

// WithMetrics reports pipeline, muxer and session events to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithPublisher sets where Publish stores the finished recording.
func WithPublisher(p storage.Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// dropCounter is implemented by sources that drop units internally.
type dropCounter interface {
	Dropped() uint64
}
