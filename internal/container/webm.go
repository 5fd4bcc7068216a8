package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// finalizeTimeout bounds the wait for ebml-go to flush the last cluster.
const finalizeTimeout = 5 * time.Second

var webmCodecIDs = map[string]string{
	"vp8":    "V_VP8",
	"vp9":    "V_VP9",
	"h264":   "V_MPEG4/ISO/AVC",
	"opus":   "A_OPUS",
	"vorbis": "A_VORBIS",
}

// WebM writes a Matroska/WebM file with one SimpleBlock track per stream.
// Block timestamps use the default 1 ms timecode scale, so every stream
// time base is 1/1000.
//
// Not safe for concurrent use; the muxer serializes calls.
type WebM struct {
	out     *sink
	entries []webm.TrackEntry
	kinds   []media.Kind
	counts  []uint64
	writers []webm.BlockWriteCloser

	mu    sync.Mutex
	fatal error

	headerWritten  bool
	trailerWritten bool
	closed         bool
}

// NewWebM returns a WebM writer on w. w is closed by Close.
func NewWebM(w io.WriteCloser) *WebM {
	return &WebM{out: newSink(w)}
}

// AddStream registers the output of enc as a new track.
func (m *WebM) AddStream(enc media.Encoder) (int, error) {
	if m.headerWritten {
		return 0, fmt.Errorf("container: webm: add stream after header")
	}
	p := enc.Params()
	codecID, ok := webmCodecIDs[codecFamily(p.Codec)]
	if !ok {
		return 0, fmt.Errorf("container: webm: codec %q is not supported (want vp8, vp9, h264, opus or vorbis)", p.Codec)
	}

	index := len(m.entries)
	entry := webm.TrackEntry{
		TrackNumber:  uint64(index + 1),
		TrackUID:     uint64(index + 1),
		CodecID:      codecID,
		CodecPrivate: append([]byte(nil), enc.ExtraData()...),
	}

	switch p.Kind {
	case media.KindVideo:
		if codecID[0] != 'V' {
			return 0, fmt.Errorf("container: webm: %s is not a video codec", p.Codec)
		}
		entry.Name = "Video"
		entry.TrackType = 1
		if p.FrameRate > 0 {
			entry.DefaultDuration = uint64(time.Second / time.Duration(p.FrameRate))
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(p.Width),
			PixelHeight: uint64(p.Height),
		}
	case media.KindAudio:
		if codecID[0] != 'A' {
			return 0, fmt.Errorf("container: webm: %s is not an audio codec", p.Codec)
		}
		entry.Name = "Audio"
		entry.TrackType = 2
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(p.SampleRate),
			Channels:          uint64(p.Channels),
		}
	default:
		return 0, fmt.Errorf("container: webm: unknown stream kind %v", p.Kind)
	}

	m.entries = append(m.entries, entry)
	m.kinds = append(m.kinds, p.Kind)
	m.counts = append(m.counts, 0)
	return index, nil
}

// GlobalHeader reports true: codec configuration goes into CodecPrivate.
func (m *WebM) GlobalHeader() bool { return true }

// StreamTimeBase returns 1/1000 for every stream.
func (m *WebM) StreamTimeBase(int) timebase.Rational { return timebase.Millisecond }

// WriteHeader writes the EBML header and the track list.
func (m *WebM) WriteHeader() error {
	if m.headerWritten {
		return fmt.Errorf("container: webm: header already written")
	}
	if len(m.entries) == 0 {
		return fmt.Errorf("container: webm: no tracks")
	}

	writers, err := webm.NewSimpleBlockWriter(m.out, m.entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			slog.Error("container: webm fatal error", "error", err)
			m.mu.Lock()
			m.fatal = err
			m.mu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("container: webm: write header: %w", err)
	}
	m.writers = writers
	m.headerWritten = true

	slog.Info("container: webm header written", "tracks", len(m.entries))
	return nil
}

// WritePacket appends p as a SimpleBlock of its track.
func (m *WebM) WritePacket(p *media.Packet) error {
	if !m.headerWritten {
		return fmt.Errorf("container: webm: packet before header")
	}
	if m.trailerWritten {
		return fmt.Errorf("container: webm: packet after trailer")
	}
	if err := m.failure(); err != nil {
		return fmt.Errorf("container: webm: %w", err)
	}
	if p.StreamIndex < 0 || p.StreamIndex >= len(m.writers) {
		return fmt.Errorf("container: webm: unknown stream %d", p.StreamIndex)
	}
	if p.PTS == timebase.NoPTS {
		return fmt.Errorf("container: webm: %s packet without pts", m.kinds[p.StreamIndex])
	}

	if _, err := m.writers[p.StreamIndex].Write(p.Keyframe, p.PTS, p.Data); err != nil {
		return fmt.Errorf("container: webm: write %s block: %w", m.kinds[p.StreamIndex], err)
	}
	m.counts[p.StreamIndex]++
	return nil
}

// WriteTrailer closes every track so the final cluster is written.
func (m *WebM) WriteTrailer() error {
	if !m.headerWritten {
		return fmt.Errorf("container: webm: trailer before header")
	}
	if m.trailerWritten {
		return fmt.Errorf("container: webm: trailer already written")
	}
	m.trailerWritten = true

	var errs []error
	for i, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("container: webm: close %s track: %w", m.kinds[i], err))
		}
	}
	select {
	case <-m.out.done:
	case <-time.After(finalizeTimeout):
		errs = append(errs, fmt.Errorf("container: webm: timed out waiting for final cluster"))
	}
	if err := m.failure(); err != nil {
		errs = append(errs, fmt.Errorf("container: webm: %w", err))
	}

	slog.Info("container: webm finalized", "blocks", m.counts)
	return errors.Join(errs...)
}

// failure returns the fatal muxing error or the first write error.
func (m *WebM) failure() error {
	m.mu.Lock()
	fatal := m.fatal
	m.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return m.out.Err()
}

// Close closes the output file. Tracks not finalized by WriteTrailer are
// closed first.
func (m *WebM) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.headerWritten && !m.trailerWritten {
		for _, w := range m.writers {
			_ = w.Close()
		}
	}
	return m.out.closeFile()
}
