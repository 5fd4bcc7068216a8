// Package pipeline implements the video and audio capture loops.
//
// Each pipeline runs on its own goroutine and owns its source, decoder,
// converter and encoder. The only state shared with the other pipeline is
// the session gate and the muxer behind PacketWriter.
//
// Per iteration:
//
//	gate → read → decode → convert (scale | resample + FIFO) → encode →
//	rebase timestamps → WritePacket
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// PacketWriter accepts encoded packets for the output container.
type PacketWriter interface {
	WritePacket(p *media.Packet) error
}

// Gate is the lifecycle gate checked at the top of every iteration.
type Gate interface {
	// Wait blocks while capture is paused and reports whether to exit.
	Wait() (stop bool)
	// LastResume returns the resume epoch and when it started.
	LastResume() (epoch uint64, at time.Time)
	// Done is closed when the session ends.
	Done() <-chan struct{}
}

// Observer receives pipeline events, typically to update metrics.
// Methods are called from the pipeline goroutine and must not block.
type Observer interface {
	UnitCaptured(kind media.Kind, bytes int)
	FrameDropped(kind media.Kind, reason string)
	PacketEncoded(kind media.Kind, bytes int, encode time.Duration)
	FIFOResidual(samples int)
}

type nopObserver struct{}

func (nopObserver) UnitCaptured(media.Kind, int)                 {}
func (nopObserver) FrameDropped(media.Kind, string)              {}
func (nopObserver) PacketEncoded(media.Kind, int, time.Duration) {}
func (nopObserver) FIFOResidual(int)                             {}

// Drop reasons reported to the Observer.
const (
	DropForeign       = "foreign_stream"
	DropStale         = "captured_while_paused"
	DropNonMonotonic  = "non_monotonic_pts"
	DropTailDiscarded = "tail_discarded"
)

// StreamContext holds the per-stream codec handles and time bases.
// It is created once at setup and closed at teardown.
type StreamContext struct {
	Kind        media.Kind
	Decoder     media.Decoder
	Encoder     media.Encoder
	StreamIndex int

	DecoderTimeBase timebase.Rational
	EncoderTimeBase timebase.Rational
	StreamTimeBase  timebase.Rational // container stream, final after WriteHeader

	startTime atomic.Int64 // decoder time base, NoPTS until the first frame
}

// NewStreamContext wires a decoder and an encoder to an output stream.
func NewStreamContext(kind media.Kind, dec media.Decoder, enc media.Encoder, index int, streamTB timebase.Rational) (*StreamContext, error) {
	if dec == nil || enc == nil {
		return nil, fmt.Errorf("pipeline: %s stream needs a decoder and an encoder", kind)
	}
	if !streamTB.Valid() {
		return nil, fmt.Errorf("pipeline: %s stream has invalid time base %v", kind, streamTB)
	}
	c := &StreamContext{
		Kind:            kind,
		Decoder:         dec,
		Encoder:         enc,
		StreamIndex:     index,
		DecoderTimeBase: dec.TimeBase(),
		EncoderTimeBase: enc.TimeBase(),
		StreamTimeBase:  streamTB,
	}
	c.startTime.Store(timebase.NoPTS)
	return c, nil
}

// SetStartTime records ts as the stream start time if none is set yet.
// It reports whether ts was recorded.
func (c *StreamContext) SetStartTime(ts int64) bool {
	return c.startTime.CompareAndSwap(timebase.NoPTS, ts)
}

// StartTime returns the stream start time in the decoder time base, or
// timebase.NoPTS before the first frame.
func (c *StreamContext) StartTime() int64 {
	return c.startTime.Load()
}

// Close releases the decoder and the encoder.
func (c *StreamContext) Close() error {
	return errors.Join(c.Decoder.Close(), c.Encoder.Close())
}

// Stats is a snapshot of one pipeline's counters.
type Stats struct {
	Kind         string
	Units        uint64 // units read from the source
	Frames       uint64 // frames handed to the encoder
	Packets      uint64 // packets handed to the muxer
	Bytes        uint64
	Dropped      uint64 // frames dropped for non-monotonic timestamps
	Refused      uint64 // sends a codec refused until its output was drained
	Stale        uint64 // units captured while paused
	Foreign      uint64 // units of the other stream kind
	LastPTS      int64  // last packet PTS in the stream time base
	FIFOResidual int    // audio only
	NextPTS      int64  // audio only, running sample counter
}

type counters struct {
	units   atomic.Uint64
	frames  atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
	stale   atomic.Uint64
	foreign atomic.Uint64
	refused atomic.Uint64
	lastPTS atomic.Int64
}

func (c *counters) snapshot(kind media.Kind) Stats {
	return Stats{
		Kind:    kind.String(),
		Units:   c.units.Load(),
		Frames:  c.frames.Load(),
		Packets: c.packets.Load(),
		Bytes:   c.bytes.Load(),
		Dropped: c.dropped.Load(),
		Stale:   c.stale.Load(),
		Foreign: c.foreign.Load(),
		Refused: c.refused.Load(),
		LastPTS: c.lastPTS.Load(),
	}
}

// emitPackets drains every ready packet from the stream encoder, rebases it
// into the container stream time base and hands it to w. Loop control
// signals end the drain; any other error is returned.
func emitPackets(sc *StreamContext, w PacketWriter, c *counters, obs Observer, started time.Time) error {
	for {
		p, err := sc.Encoder.ReceivePacket()
		if media.IsLoopControl(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: %s encode: %w", sc.Kind, err)
		}

		p.StreamIndex = sc.StreamIndex
		p.Kind = sc.Kind
		p.Rescale(sc.EncoderTimeBase, sc.StreamTimeBase)
		size := len(p.Data)
		pts := p.PTS

		if err := w.WritePacket(p); err != nil {
			return fmt.Errorf("pipeline: %s write: %w", sc.Kind, err)
		}

		c.packets.Add(1)
		c.bytes.Add(uint64(size))
		c.lastPTS.Store(pts)
		obs.PacketEncoded(sc.Kind, size, time.Since(started))
	}
}

// maxSendAttempts bounds how often one input is offered again to a codec
// that keeps refusing it after its output was drained.
const maxSendAttempts = 8

// sendUnit hands u to the stream decoder and runs drain over the frames it
// produced. A decoder that refuses u (ErrNeedMore) has not consumed it: its
// pending frames are drained and u is sent again.
func sendUnit(sc *StreamContext, c *counters, u *media.Unit, drain func() error) error {
	for attempt := 1; ; attempt++ {
		err := sc.Decoder.Send(u)
		refused := errors.Is(err, media.ErrNeedMore)
		if err != nil && !refused {
			return fmt.Errorf("pipeline: %s decode: %w", sc.Kind, err)
		}
		if refused {
			c.refused.Add(1)
		}
		if err := drain(); err != nil {
			return err
		}
		if !refused {
			return nil
		}
		if attempt == maxSendAttempts {
			return fmt.Errorf("pipeline: %s decode: unit seq=%d refused %d times: %w", sc.Kind, u.Seq, attempt, media.ErrNeedMore)
		}
	}
}

// sendFrame hands f to the stream encoder. A refused frame (ErrNeedMore)
// was not consumed: pending packets are muxed and f is sent again. On
// success the caller still owns f.
func sendFrame(sc *StreamContext, w PacketWriter, c *counters, obs Observer, f media.Frame, started time.Time) error {
	for attempt := 1; ; attempt++ {
		err := sc.Encoder.SendFrame(f)
		if err == nil {
			return nil
		}
		if !errors.Is(err, media.ErrNeedMore) {
			return fmt.Errorf("pipeline: %s encode: %w", sc.Kind, err)
		}
		c.refused.Add(1)
		if attempt == maxSendAttempts {
			return fmt.Errorf("pipeline: %s encode: frame pts=%d refused %d times: %w", sc.Kind, f.PTS(), attempt, err)
		}
		if err := emitPackets(sc, w, c, obs, started); err != nil {
			return err
		}
	}
}

// drainEncoder flushes the encoder and muxes everything it still holds.
func drainEncoder(sc *StreamContext, w PacketWriter, c *counters, obs Observer) error {
	if err := sc.Encoder.SendFrame(nil); err != nil && !media.IsLoopControl(err) {
		return fmt.Errorf("pipeline: %s flush: %w", sc.Kind, err)
	}
	return emitPackets(sc, w, c, obs, time.Now())
}

// isStale reports whether u was captured before the last resume and so
// belongs to the paused interval.
func isStale(g Gate, u *media.Unit) bool {
	_, at := g.LastResume()
	return !at.IsZero() && !u.CapturedAt.IsZero() && u.CapturedAt.Before(at)
}

// readContext returns a context cancelled when ctx is done or the gate
// closes, so a blocked source read returns promptly on End.
func readContext(ctx context.Context, g Gate) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-g.Done():
			cancel()
		case <-rctx.Done():
		}
	}()
	return rctx, cancel
}
