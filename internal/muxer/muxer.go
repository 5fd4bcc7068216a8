// Package muxer serializes packet writes from the capture pipelines into one
// output container.
//
// The Muxer is the single writer of the container. The header is written
// once before the pipelines start, packets are written under an exclusive
// lock, and the trailer is written once after both pipelines have joined.
package muxer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// maxPending bounds the per-stream queue in timestamp mode. When one stream
// stalls, the oldest held packet is released once another stream has this
// many packets waiting.
const maxPending = 256

var (
	// ErrHeaderWritten is returned by a second WriteHeader.
	ErrHeaderWritten = errors.New("muxer: header already written")
	// ErrHeaderMissing is returned by writes before WriteHeader.
	ErrHeaderMissing = errors.New("muxer: header not written")
	// ErrTrailerWritten is returned by writes after WriteTrailer.
	ErrTrailerWritten = errors.New("muxer: trailer already written")
)

// Interleave selects how packets of different streams are ordered.
type Interleave int

const (
	// InterleaveLock writes packets in the order pipelines acquire the lock.
	InterleaveLock Interleave = iota
	// InterleaveTimestamp holds packets per stream and writes the one with
	// the smallest timestamp while every stream has a packet pending.
	InterleaveTimestamp
)

// String returns the configuration name of the mode
func (m Interleave) String() string {
	switch m {
	case InterleaveLock:
		return "lock"
	case InterleaveTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ParseInterleave parses "lock" or "timestamp".
func ParseInterleave(s string) (Interleave, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lock", "":
		return InterleaveLock, nil
	case "timestamp", "ts":
		return InterleaveTimestamp, nil
	default:
		return InterleaveLock, fmt.Errorf("muxer: unknown interleave mode %q (want lock or timestamp)", s)
	}
}

// Observer is notified of every packet written to the container.
type Observer interface {
	PacketMuxed(kind media.Kind, bytes int)
}

// StreamStats counts the packets written for one stream.
type StreamStats struct {
	Index   int
	Kind    string
	Packets uint64
	Bytes   uint64
	Pending int // held in timestamp mode
	LastPTS int64
}

// Stats is a snapshot of the muxer state.
type Stats struct {
	Mode           string
	HeaderWritten  bool
	TrailerWritten bool
	Streams        []StreamStats
}

type stream struct {
	index   int
	kind    media.Kind
	pending []*media.Packet
	packets uint64
	bytes   uint64
	lastPTS int64
}

// Muxer owns a ContainerWriter and is the only caller of its write methods.
//
// Thread-safety: all methods are safe for concurrent use.
type Muxer struct {
	mu      sync.Mutex
	w       media.ContainerWriter
	mode    Interleave
	streams []*stream
	obs     Observer

	headerWritten  bool
	trailerWritten bool
}

// New returns a Muxer writing to w.
func New(w media.ContainerWriter, mode Interleave, obs Observer) (*Muxer, error) {
	if w == nil {
		return nil, fmt.Errorf("muxer: container writer is required")
	}
	return &Muxer{w: w, mode: mode, obs: obs}, nil
}

// AddStream registers the output of enc. Must be called before WriteHeader.
func (m *Muxer) AddStream(enc media.Encoder) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.headerWritten {
		return 0, fmt.Errorf("muxer: add stream after header")
	}
	index, err := m.w.AddStream(enc)
	if err != nil {
		return 0, fmt.Errorf("muxer: add %s stream: %w", enc.Params().Kind, err)
	}
	m.streams = append(m.streams, &stream{
		index:   index,
		kind:    enc.Params().Kind,
		lastPTS: timebase.NoPTS,
	})
	return index, nil
}

// GlobalHeader reports whether encoders must place codec configuration in
// extradata for this container.
func (m *Muxer) GlobalHeader() bool {
	return m.w.GlobalHeader()
}

// StreamTimeBase returns the container time base of stream index.
// Only final after WriteHeader.
func (m *Muxer) StreamTimeBase(index int) timebase.Rational {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.StreamTimeBase(index)
}

// WriteHeader writes the container header. A second call fails.
func (m *Muxer) WriteHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.headerWritten {
		return ErrHeaderWritten
	}
	if len(m.streams) == 0 {
		return fmt.Errorf("muxer: no streams registered")
	}
	if err := m.w.WriteHeader(); err != nil {
		return fmt.Errorf("muxer: write header: %w", err)
	}
	m.headerWritten = true

	slog.Info("muxer: header written",
		"streams", len(m.streams),
		"interleave", m.mode.String(),
	)
	return nil
}

// WritePacket writes p under the exclusive write lock. In timestamp mode p
// may be held until every stream has a packet pending. Any write failure
// is returned; packets are never skipped silently.
func (m *Muxer) WritePacket(p *media.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.headerWritten {
		return ErrHeaderMissing
	}
	if m.trailerWritten {
		return ErrTrailerWritten
	}
	st := m.streamLocked(p.StreamIndex)
	if st == nil {
		return fmt.Errorf("muxer: packet for unknown stream %d", p.StreamIndex)
	}

	if m.mode == InterleaveLock {
		return m.writeLocked(st, p)
	}

	st.pending = append(st.pending, p)
	return m.releaseLocked(false)
}

// Flush writes every packet held in timestamp mode in timestamp order.
// No-op in lock mode.
func (m *Muxer) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trailerWritten {
		return ErrTrailerWritten
	}
	return m.releaseLocked(true)
}

// WriteTrailer flushes held packets and finalizes the container. A second
// call fails.
func (m *Muxer) WriteTrailer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.headerWritten {
		return ErrHeaderMissing
	}
	if m.trailerWritten {
		return ErrTrailerWritten
	}

	flushErr := m.releaseLocked(true)
	// The trailer is attempted even after a failed flush so that already
	// written packets stay readable.
	if err := m.w.WriteTrailer(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("muxer: write trailer: %w", err))
	}
	m.trailerWritten = true

	var packets uint64
	for _, st := range m.streams {
		packets += st.packets
	}
	slog.Info("muxer: trailer written", "packets", packets)
	return flushErr
}

// Close releases the container writer.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.w.Close(); err != nil {
		return fmt.Errorf("muxer: close: %w", err)
	}
	return nil
}

// Stats returns packet counters per stream.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Mode:           m.mode.String(),
		HeaderWritten:  m.headerWritten,
		TrailerWritten: m.trailerWritten,
		Streams:        make([]StreamStats, 0, len(m.streams)),
	}
	for _, st := range m.streams {
		s.Streams = append(s.Streams, StreamStats{
			Index:   st.index,
			Kind:    st.kind.String(),
			Packets: st.packets,
			Bytes:   st.bytes,
			Pending: len(st.pending),
			LastPTS: st.lastPTS,
		})
	}
	return s
}

func (m *Muxer) streamLocked(index int) *stream {
	for _, st := range m.streams {
		if st.index == index {
			return st
		}
	}
	return nil
}

func (m *Muxer) writeLocked(st *stream, p *media.Packet) error {
	size := len(p.Data)
	if err := m.w.WritePacket(p); err != nil {
		slog.Error("muxer: write failed",
			"stream", st.kind.String(),
			"pts", p.PTS,
			"size", size,
			"error", err,
		)
		return fmt.Errorf("muxer: write %s packet pts=%d: %w", st.kind, p.PTS, err)
	}
	st.packets++
	st.bytes += uint64(size)
	st.lastPTS = p.PTS
	if m.obs != nil {
		m.obs.PacketMuxed(st.kind, size)
	}
	return nil
}

// releaseLocked writes held packets in ascending timestamp order. Without
// all, it stops as soon as one stream has nothing pending, unless another
// stream exceeds maxPending.
func (m *Muxer) releaseLocked(all bool) error {
	for {
		var next *stream
		waiting := false
		overflow := false
		for _, st := range m.streams {
			if len(st.pending) == 0 {
				waiting = true
				continue
			}
			if len(st.pending) > maxPending {
				overflow = true
			}
			if next == nil || m.before(st, next) {
				next = st
			}
		}
		if next == nil || (waiting && !all && !overflow) {
			return nil
		}

		p := next.pending[0]
		next.pending[0] = nil
		next.pending = next.pending[1:]
		if err := m.writeLocked(next, p); err != nil {
			return err
		}
	}
}

// before reports whether the head packet of a precedes the head packet of b.
func (m *Muxer) before(a, b *stream) bool {
	pa, pb := a.pending[0], b.pending[0]
	c := timebase.Compare(
		pa.OrderTS(), m.w.StreamTimeBase(a.index),
		pb.OrderTS(), m.w.StreamTimeBase(b.index),
	)
	if c != 0 {
		return c < 0
	}
	return a.index < b.index
}
