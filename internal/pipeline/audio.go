package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/fifo"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// defaultFrameSize is used when the encoder accepts frames of any size.
const defaultFrameSize = 1024

// TailPolicy decides what happens to the residual samples (fewer than one
// encoder frame) left in the FIFO at shutdown.
type TailPolicy int

const (
	// TailPad zero-pads the residual to one full frame and encodes it.
	TailPad TailPolicy = iota
	// TailDrop discards the residual.
	TailDrop
)

// String returns the configuration name of the policy
func (p TailPolicy) String() string {
	switch p {
	case TailPad:
		return "pad"
	case TailDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParseTailPolicy parses "pad" or "drop".
func ParseTailPolicy(s string) (TailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pad", "":
		return TailPad, nil
	case "drop":
		return TailDrop, nil
	default:
		return TailPad, fmt.Errorf("pipeline: unknown tail policy %q (want pad or drop)", s)
	}
}

// AudioConfig wires an AudioPipeline.
type AudioConfig struct {
	Source    media.Source
	Stream    *StreamContext
	Resampler media.Resampler
	Writer    PacketWriter
	Gate      Gate
	Tail      TailPolicy
	Observer  Observer // optional
}

// Audio captures microphone samples and muxes them as one audio stream.
//
// Decoded audio is resampled into the encoder format and queued in a
// SampleFIFO; the encoder is fed exactly frameSize samples at a time with
// timestamps taken from a running sample counter.
type Audio struct {
	source    media.Source
	stream    *StreamContext
	resampler media.Resampler
	writer    PacketWriter
	gate      Gate
	obs       Observer
	tail      TailPolicy

	srcTB      timebase.Rational
	sampleTB   timebase.Rational // 1/output sample rate
	frameSize  int
	fifo       *fifo.SampleFIFO
	nextSample int64 // running sample counter, sole source of audio PTS

	residual atomic.Int64
	next     atomic.Int64
	stats    counters
}

// NewAudio validates cfg and returns an AudioPipeline.
func NewAudio(cfg AudioConfig) (*Audio, error) {
	if cfg.Source == nil || cfg.Stream == nil || cfg.Resampler == nil || cfg.Writer == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("pipeline: audio pipeline needs source, stream, resampler, writer and gate")
	}
	if cfg.Stream.Kind != media.KindAudio {
		return nil, fmt.Errorf("pipeline: audio pipeline given %s stream", cfg.Stream.Kind)
	}
	params := cfg.Source.Params()
	if !params.TimeBase.Valid() {
		return nil, fmt.Errorf("pipeline: audio source has invalid time base %v", params.TimeBase)
	}

	encParams := cfg.Stream.Encoder.Params()
	if encParams.SampleRate <= 0 {
		return nil, fmt.Errorf("pipeline: audio encoder has invalid sample rate %d", encParams.SampleRate)
	}
	q, err := fifo.New(encParams.SampleFormat, encParams.Channels)
	if err != nil {
		return nil, fmt.Errorf("pipeline: audio fifo: %w", err)
	}

	frameSize := cfg.Stream.Encoder.FrameSize()
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}

	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	return &Audio{
		source:    cfg.Source,
		stream:    cfg.Stream,
		resampler: cfg.Resampler,
		writer:    cfg.Writer,
		gate:      cfg.Gate,
		obs:       obs,
		tail:      cfg.Tail,
		srcTB:     params.TimeBase,
		sampleTB:  timebase.SampleRate(encParams.SampleRate),
		frameSize: frameSize,
		fifo:      q,
	}, nil
}

// FrameSize returns the number of samples per encoded frame.
func (a *Audio) FrameSize() int {
	return a.frameSize
}

// Run executes the capture loop until the gate reports stop, the source
// ends or an error occurs. On a clean exit the resampler and the FIFO
// tail are flushed according to the tail policy and the encoder is drained.
func (a *Audio) Run(ctx context.Context) error {
	readCtx, cancel := readContext(ctx, a.gate)
	defer cancel()

	slog.Info("pipeline: audio loop started",
		"source_tb", a.srcTB.String(),
		"encoder_tb", a.stream.EncoderTimeBase.String(),
		"stream_tb", a.stream.StreamTimeBase.String(),
		"frame_size", a.frameSize,
		"tail", a.tail.String(),
	)

	err := a.loop(readCtx)
	if err == nil {
		err = a.flush()
	}

	st := a.Stats()
	fifoIn, fifoOut := a.fifo.Totals()
	slog.Info("pipeline: audio loop stopped",
		"units", st.Units,
		"frames", st.Frames,
		"packets", st.Packets,
		"samples", st.NextPTS,
		"fifo_in", fifoIn,
		"fifo_out", fifoOut,
		"stale", st.Stale,
		"refused", st.Refused,
		"error", err,
	)
	return err
}

func (a *Audio) loop(ctx context.Context) error {
	for {
		if a.gate.Wait() {
			return nil
		}

		u, err := a.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, media.ErrEndOfStream) {
				slog.Info("pipeline: audio source ended")
				return nil
			}
			return fmt.Errorf("pipeline: audio read: %w", err)
		}

		if err := a.process(u); err != nil {
			return err
		}
	}
}

// process runs one input unit through decode, resample and the FIFO, then
// encodes every complete frame.
func (a *Audio) process(u *media.Unit) error {
	a.stats.units.Add(1)
	a.obs.UnitCaptured(u.Kind, len(u.Data))

	if u.Kind != media.KindAudio {
		a.stats.foreign.Add(1)
		a.obs.FrameDropped(media.KindAudio, DropForeign)
		return nil
	}
	if isStale(a.gate, u) {
		a.stats.stale.Add(1)
		a.obs.FrameDropped(media.KindAudio, DropStale)
		return nil
	}

	u.PTS = timebase.Rescale(u.PTS, a.srcTB, a.stream.DecoderTimeBase)
	return sendUnit(a.stream, &a.stats, u, func() error {
		for {
			frame, err := a.stream.Decoder.Receive()
			if media.IsLoopControl(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("pipeline: audio decode: %w", err)
			}

			if frame.PTS() != timebase.NoPTS && a.stream.SetStartTime(frame.PTS()) {
				slog.Info("pipeline: audio stream start time set",
					"start", frame.PTS(),
					"start_seconds", float64(frame.PTS())*a.stream.DecoderTimeBase.Float(),
					"decoder_tb", a.stream.DecoderTimeBase.String(),
					"trace_id", u.TraceID,
				)
			}

			samples, err := a.resampler.Resample(frame)
			frame.Release()
			if err != nil {
				return fmt.Errorf("pipeline: audio resample: %w", err)
			}
			if err := a.push(samples); err != nil {
				return err
			}
		}
	})
}

// push queues converted samples and encodes every complete frame.
func (a *Audio) push(s media.Samples) error {
	if err := a.fifo.Push(s); err != nil {
		return fmt.Errorf("pipeline: audio fifo: %w", err)
	}
	for a.fifo.Len() >= a.frameSize {
		chunk, err := a.fifo.Pop(a.frameSize)
		if err != nil {
			return fmt.Errorf("pipeline: audio fifo: %w", err)
		}
		if err := a.encode(chunk); err != nil {
			return err
		}
	}
	a.residual.Store(int64(a.fifo.Len()))
	a.obs.FIFOResidual(a.fifo.Len())
	return nil
}

// encode feeds exactly one frame to the encoder. Its PTS is the running
// sample counter, which then advances by the frame size.
func (a *Audio) encode(chunk media.Samples) error {
	started := time.Now()

	pts := timebase.Rescale(a.nextSample, a.sampleTB, a.stream.EncoderTimeBase)
	frame, err := a.stream.Encoder.AudioFrame(chunk, pts)
	if err != nil {
		return fmt.Errorf("pipeline: audio frame: %w", err)
	}
	err = sendFrame(a.stream, a.writer, &a.stats, a.obs, frame, started)
	frame.Release()
	if err != nil {
		return err
	}

	a.nextSample += int64(chunk.Count)
	a.next.Store(a.nextSample)
	a.stats.frames.Add(1)

	return emitPackets(a.stream, a.writer, &a.stats, a.obs, started)
}

// flush empties the resampler, applies the tail policy to the FIFO residual
// and drains the encoder.
func (a *Audio) flush() error {
	rest, err := a.resampler.Flush()
	if err != nil {
		return fmt.Errorf("pipeline: audio resample flush: %w", err)
	}
	if err := a.push(rest); err != nil {
		return err
	}

	if n := a.fifo.Len(); n > 0 {
		switch a.tail {
		case TailPad:
			chunk, err := a.fifo.PopPadded(a.frameSize)
			if err != nil {
				return fmt.Errorf("pipeline: audio fifo: %w", err)
			}
			slog.Info("pipeline: padding audio tail",
				"samples", n,
				"padding", a.frameSize-n,
			)
			if err := a.encode(chunk); err != nil {
				return err
			}
		case TailDrop:
			a.fifo.Discard()
			a.obs.FrameDropped(media.KindAudio, DropTailDiscarded)
			slog.Info("pipeline: dropping audio tail", "samples", n)
		}
		a.residual.Store(0)
		a.obs.FIFOResidual(0)
	}

	return drainEncoder(a.stream, a.writer, &a.stats, a.obs)
}

// Stats returns a snapshot of the pipeline counters. Safe from any goroutine.
func (a *Audio) Stats() Stats {
	st := a.stats.snapshot(media.KindAudio)
	st.FIFOResidual = int(a.residual.Load())
	st.NextPTS = a.next.Load()
	return st
}
