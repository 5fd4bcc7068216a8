package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// VideoConfig wires a VideoPipeline.
type VideoConfig struct {
	Source   media.Source
	Stream   *StreamContext
	Scaler   media.Scaler
	Writer   PacketWriter
	Gate     Gate
	Observer Observer // optional
}

// Video captures screen pictures and muxes them as one video stream.
type Video struct {
	source media.Source
	stream *StreamContext
	scaler media.Scaler
	writer PacketWriter
	gate   Gate
	obs    Observer

	srcTB timebase.Rational
	step  int64 // one frame duration in the encoder time base

	epoch   uint64
	offset  int64 // subtracted from encoder PTS to collapse paused intervals
	lastPTS int64
	hasLast bool

	stats counters
}

// NewVideo validates cfg and returns a VideoPipeline.
func NewVideo(cfg VideoConfig) (*Video, error) {
	if cfg.Source == nil || cfg.Stream == nil || cfg.Scaler == nil || cfg.Writer == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("pipeline: video pipeline needs source, stream, scaler, writer and gate")
	}
	if cfg.Stream.Kind != media.KindVideo {
		return nil, fmt.Errorf("pipeline: video pipeline given %s stream", cfg.Stream.Kind)
	}
	params := cfg.Source.Params()
	if !params.TimeBase.Valid() {
		return nil, fmt.Errorf("pipeline: video source has invalid time base %v", params.TimeBase)
	}

	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	fps := cfg.Stream.Encoder.Params().FrameRate
	step := int64(1)
	if fps > 0 {
		if s := timebase.Rescale(1, timebase.FrameRate(fps), cfg.Stream.EncoderTimeBase); s > 1 {
			step = s
		}
	}

	return &Video{
		source: cfg.Source,
		stream: cfg.Stream,
		scaler: cfg.Scaler,
		writer: cfg.Writer,
		gate:   cfg.Gate,
		obs:    obs,
		srcTB:  params.TimeBase,
		step:   step,
	}, nil
}

// Run executes the capture loop until the gate reports stop, the source
// ends or an error occurs. On a clean exit the encoder is drained so no
// buffered picture is lost.
func (v *Video) Run(ctx context.Context) error {
	readCtx, cancel := readContext(ctx, v.gate)
	defer cancel()

	slog.Info("pipeline: video loop started",
		"source_tb", v.srcTB.String(),
		"encoder_tb", v.stream.EncoderTimeBase.String(),
		"stream_tb", v.stream.StreamTimeBase.String(),
	)

	err := v.loop(readCtx)
	if err == nil {
		err = drainEncoder(v.stream, v.writer, &v.stats, v.obs)
	}

	st := v.Stats()
	slog.Info("pipeline: video loop stopped",
		"units", st.Units,
		"frames", st.Frames,
		"packets", st.Packets,
		"dropped", st.Dropped,
		"stale", st.Stale,
		"refused", st.Refused,
		"error", err,
	)
	return err
}

func (v *Video) loop(ctx context.Context) error {
	for {
		if v.gate.Wait() {
			return nil
		}

		u, err := v.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, media.ErrEndOfStream) {
				slog.Info("pipeline: video source ended")
				return nil
			}
			return fmt.Errorf("pipeline: video read: %w", err)
		}

		if err := v.process(u); err != nil {
			return err
		}
	}
}

// process runs one input unit through decode, convert, encode and mux.
func (v *Video) process(u *media.Unit) error {
	v.stats.units.Add(1)
	v.obs.UnitCaptured(u.Kind, len(u.Data))

	if u.Kind != media.KindVideo {
		v.stats.foreign.Add(1)
		v.obs.FrameDropped(media.KindVideo, DropForeign)
		return nil
	}
	if isStale(v.gate, u) {
		v.stats.stale.Add(1)
		v.obs.FrameDropped(media.KindVideo, DropStale)
		return nil
	}

	u.PTS = timebase.Rescale(u.PTS, v.srcTB, v.stream.DecoderTimeBase)
	return sendUnit(v.stream, &v.stats, u, func() error {
		for {
			frame, err := v.stream.Decoder.Receive()
			if media.IsLoopControl(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("pipeline: video decode: %w", err)
			}

			err = v.encode(frame, u.TraceID)
			frame.Release()
			if err != nil {
				return err
			}
		}
	})
}

// encode rebases one decoded frame, converts it to the output format and
// feeds it to the encoder.
func (v *Video) encode(frame media.Frame, traceID string) error {
	started := time.Now()

	if frame.PTS() == timebase.NoPTS {
		v.stats.dropped.Add(1)
		v.obs.FrameDropped(media.KindVideo, DropNonMonotonic)
		return nil
	}
	if v.stream.SetStartTime(frame.PTS()) {
		slog.Info("pipeline: video stream start time set",
			"start", frame.PTS(),
			"start_seconds", float64(frame.PTS())*v.stream.DecoderTimeBase.Float(),
			"decoder_tb", v.stream.DecoderTimeBase.String(),
			"trace_id", traceID,
		)
	}

	rel := frame.PTS() - v.stream.StartTime()
	pts := v.collapse(timebase.Rescale(rel, v.stream.DecoderTimeBase, v.stream.EncoderTimeBase))

	// Encoders reject timestamps that do not move forward.
	if v.hasLast && pts <= v.lastPTS {
		v.stats.dropped.Add(1)
		v.obs.FrameDropped(media.KindVideo, DropNonMonotonic)
		slog.Debug("pipeline: dropping video frame with non-increasing pts",
			"pts", pts,
			"last_pts", v.lastPTS,
			"trace_id", traceID,
		)
		return nil
	}

	out, err := v.scaler.Convert(frame)
	if err != nil {
		return fmt.Errorf("pipeline: video convert: %w", err)
	}
	out.SetPTS(pts)
	err = sendFrame(v.stream, v.writer, &v.stats, v.obs, out, started)
	out.Release()
	if err != nil {
		return err
	}

	v.lastPTS = pts
	v.hasLast = true
	v.stats.frames.Add(1)

	return emitPackets(v.stream, v.writer, &v.stats, v.obs, started)
}

// collapse removes paused intervals from the encoder timeline: the first
// frame after a resume lands one frame after the last frame before the
// pause, and later frames keep their spacing relative to it.
func (v *Video) collapse(pts int64) int64 {
	epoch, _ := v.gate.LastResume()
	if epoch != v.epoch {
		v.epoch = epoch
		if v.hasLast {
			v.offset = pts - (v.lastPTS + v.step)
			slog.Debug("pipeline: video pause gap collapsed",
				"epoch", epoch,
				"offset", v.offset,
			)
		}
	}
	return pts - v.offset
}

// Stats returns a snapshot of the pipeline counters. Safe from any goroutine.
func (v *Video) Stats() Stats {
	return v.stats.snapshot(media.KindVideo)
}
