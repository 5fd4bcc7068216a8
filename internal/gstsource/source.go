// Package gstsource captures the screen and the microphone with GStreamer.
//
// A Source runs one pipeline ending in an appsink. The appsink callback
// copies each buffer into a media.Unit stamped in nanoseconds and pushes it
// into a bounded channel; Read pulls from that channel. Units that do not
// fit are dropped and counted.
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

const defaultBuffer = 16

var errEndOfStream = errors.New("gstsource: end of stream")

// Stats is a snapshot of source counters.
type Stats struct {
	Units        uint64
	Bytes        uint64
	Dropped      uint64
	Playing      bool
	StartedAt    time.Time
	ErrorsByKind map[string]uint64
}

// Source is a live GStreamer capture source implementing media.Source.
type Source struct {
	cfg    Config
	elems  *elements
	units  chan *media.Unit
	params media.SourceParams

	seq      atomic.Uint64
	bytes    atomic.Uint64
	dropped  atomic.Uint64
	playing  atomic.Bool
	errCount [ErrCategoryUnknown + 1]atomic.Uint64

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	failed    chan struct{}
	failErr   error
	closeOnce sync.Once
}

// Open builds the pipeline for cfg and sets it to PLAYING. Units start
// flowing immediately; Read them from one goroutine.
func Open(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}

	elems, err := createPipeline(cfg)
	if err != nil {
		return nil, err
	}

	s := &Source{
		cfg:       cfg,
		elems:     elems,
		units:     make(chan *media.Unit, cfg.Buffer),
		params:    sourceParams(cfg),
		startedAt: time.Now(),
		failed:    make(chan struct{}),
	}

	cbctx := &callbackContext{
		kind:    cfg.Kind,
		units:   s.units,
		seq:     &s.seq,
		bytes:   &s.bytes,
		dropped: &s.dropped,
		started: s.startedAt,
	}
	elems.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, cbctx)
		},
	})

	if err := elems.pipeline.SetState(gst.StatePlaying); err != nil {
		_ = destroyPipeline(elems)
		return nil, fmt.Errorf("gstsource: start %s pipeline: %w", cfg.Kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.monitorBus(ctx); err != nil {
			s.failErr = err
			close(s.failed)
		}
	}()

	slog.Info("gstsource: source started",
		"stream", cfg.Kind.String(),
		"input", string(cfg.Input),
		"buffer", cfg.Buffer,
	)
	return s, nil
}

// sourceParams describes the caps the appsink is locked to. Timestamps are
// GStreamer running time in nanoseconds.
func sourceParams(cfg Config) media.SourceParams {
	if cfg.Kind == media.KindVideo {
		return media.SourceParams{
			Kind:        media.KindVideo,
			CodecName:   "rawvideo",
			TimeBase:    timebase.Nanosecond,
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: "bgr0",
			FrameRate:   cfg.FrameRate,
		}
	}
	return media.SourceParams{
		Kind:         media.KindAudio,
		CodecName:    "pcm_s16le",
		TimeBase:     timebase.Nanosecond,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		SampleFormat: media.SampleFormatS16,
	}
}

// Read returns the next unit. Units already queued are delivered before a
// pipeline failure is reported.
func (s *Source) Read(ctx context.Context) (*media.Unit, error) {
	select {
	case u := <-s.units:
		return u, nil
	default:
	}

	select {
	case u := <-s.units:
		return u, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.failed:
		if errors.Is(s.failErr, errEndOfStream) {
			return nil, media.ErrEndOfStream
		}
		return nil, s.failErr
	}
}

// Params implements media.Source.
func (s *Source) Params() media.SourceParams { return s.params }

// Stats returns the current counters.
func (s *Source) Stats() Stats {
	byKind := make(map[string]uint64, len(s.errCount))
	for i := range s.errCount {
		if n := s.errCount[i].Load(); n > 0 {
			byKind[ErrorCategory(i).String()] = n
		}
	}
	return Stats{
		Units:        s.seq.Load(),
		Bytes:        s.bytes.Load(),
		Dropped:      s.dropped.Load(),
		Playing:      s.playing.Load(),
		StartedAt:    s.startedAt,
		ErrorsByKind: byKind,
	}
}

// Dropped returns the number of units dropped because Read fell behind.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

func (s *Source) markPlaying() {
	if s.playing.CompareAndSwap(false, true) {
		slog.Info("gstsource: pipeline playing",
			"stream", s.cfg.Kind.String(),
			"startup", time.Since(s.startedAt),
		)
	}
}

// Close stops the pipeline and the bus monitor. It is idempotent.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = destroyPipeline(s.elems)

		slog.Info("gstsource: source stopped",
			"stream", s.cfg.Kind.String(),
			"units", s.seq.Load(),
			"bytes", s.bytes.Load(),
			"dropped", s.dropped.Load(),
		)
	})
	return err
}
