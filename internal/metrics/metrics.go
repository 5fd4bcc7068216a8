// Package metrics exposes recorder counters to Prometheus.
//
// Metrics live on a private registry so several recorders (and tests) can
// coexist in one process. Metrics implements pipeline.Observer and
// muxer.Observer.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/session"
)

const namespace = "screen_capture"

// Metrics holds every recorder metric.
type Metrics struct {
	registry *prometheus.Registry

	stateMu sync.Mutex
	state   session.State

	// Capture
	UnitsCaptured *prometheus.CounterVec
	BytesCaptured *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec

	// Encode
	PacketsEncoded      *prometheus.CounterVec
	EncodeLatency       *prometheus.HistogramVec
	FIFOResidualSamples prometheus.Gauge

	// Mux
	PacketsMuxed *prometheus.CounterVec
	BytesMuxed   *prometheus.CounterVec

	// Session
	SessionState    *prometheus.GaugeVec
	SessionsStarted prometheus.Counter // idle to capturing only
	CaptureStarts   prometheus.Counter // every start and resume
	RecordingSize   prometheus.Histogram

	// Publication
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		UnitsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_captured_total",
			Help:      "Raw units read from the capture sources",
		}, []string{"stream"}),
		BytesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_captured_total",
			Help:      "Raw bytes read from the capture sources",
		}, []string{"stream"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Units or frames discarded by the pipelines",
		}, []string{"stream", "reason"}),

		PacketsEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_encoded_total",
			Help:      "Packets produced by the encoders",
		}, []string{"stream"}),
		EncodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encode_latency_seconds",
			Help:      "Time from unit capture to packet emission",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}, []string{"stream"}),
		FIFOResidualSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_fifo_residual_samples",
			Help:      "Samples left in the audio FIFO after the last drain",
		}),

		PacketsMuxed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_muxed_total",
			Help:      "Packets written to the container",
		}, []string{"stream"}),
		BytesMuxed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_muxed_total",
			Help:      "Packet bytes written to the container",
		}, []string{"stream"}),

		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current capture session state",
		}, []string{"state"}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that left the idle state by starting capture",
		}),
		CaptureStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_starts_total",
			Help:      "Transitions into the capturing state, resumes included",
		}),
		RecordingSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_size_bytes",
			Help:      "Size of finished recordings",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to ~2GB
		}),

		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Recording publications by backend and result",
		}, []string{"backend", "result"}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time spent publishing a recording, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.UnitsCaptured, m.BytesCaptured, m.FramesDropped,
		m.PacketsEncoded, m.EncodeLatency, m.FIFOResidualSamples,
		m.PacketsMuxed, m.BytesMuxed,
		m.SessionState, m.SessionsStarted, m.CaptureStarts, m.RecordingSize,
		m.Uploads, m.UploadDuration,
	)
	m.RecordSessionState(session.StateIdle)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// UnitCaptured implements pipeline.Observer.
func (m *Metrics) UnitCaptured(kind media.Kind, bytes int) {
	m.UnitsCaptured.WithLabelValues(kind.String()).Inc()
	m.BytesCaptured.WithLabelValues(kind.String()).Add(float64(bytes))
}

// FrameDropped implements pipeline.Observer.
func (m *Metrics) FrameDropped(kind media.Kind, reason string) {
	m.FramesDropped.WithLabelValues(kind.String(), reason).Inc()
}

// PacketEncoded implements pipeline.Observer.
func (m *Metrics) PacketEncoded(kind media.Kind, bytes int, encode time.Duration) {
	m.PacketsEncoded.WithLabelValues(kind.String()).Inc()
	if encode > 0 {
		m.EncodeLatency.WithLabelValues(kind.String()).Observe(encode.Seconds())
	}
}

// FIFOResidual implements pipeline.Observer.
func (m *Metrics) FIFOResidual(samples int) {
	m.FIFOResidualSamples.Set(float64(samples))
}

// PacketMuxed implements muxer.Observer.
func (m *Metrics) PacketMuxed(kind media.Kind, bytes int) {
	m.PacketsMuxed.WithLabelValues(kind.String()).Inc()
	m.BytesMuxed.WithLabelValues(kind.String()).Add(float64(bytes))
}

// RecordSessionState sets the state gauge so exactly one state reads 1.
// Calls must arrive in transition order; the session delivers them so.
func (m *Metrics) RecordSessionState(s session.State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	prev := m.state
	m.state = s
	for _, st := range []session.State{session.StateIdle, session.StateCapturing, session.StatePaused, session.StateStopped} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.SessionState.WithLabelValues(st.String()).Set(v)
	}
	if s == session.StateCapturing && prev != session.StateCapturing {
		m.CaptureStarts.Inc()
		if prev == session.StateIdle {
			m.SessionsStarted.Inc()
		}
	}
}

// RecordSourceDrops adds drops counted inside a capture source.
func (m *Metrics) RecordSourceDrops(kind media.Kind, n uint64) {
	if n > 0 {
		m.FramesDropped.WithLabelValues(kind.String(), "source_overflow").Add(float64(n))
	}
}

// RecordRecording records the size of a finished recording.
func (m *Metrics) RecordRecording(sizeBytes int64) {
	m.RecordingSize.Observe(float64(sizeBytes))
}

// RecordUpload records one publication attempt sequence.
func (m *Metrics) RecordUpload(backend string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Uploads.WithLabelValues(backend, result).Inc()
	m.UploadDuration.Observe(d.Seconds())
}
