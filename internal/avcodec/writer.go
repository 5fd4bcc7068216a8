package avcodec

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// writer is an avformat container writer. The format is guessed from the
// file name unless a hint is given.
type writer struct {
	path    string
	oc      *astiav.FormatContext
	pb      *astiav.IOContext
	streams []*astiav.Stream
	pkt     *astiav.Packet
}

func newWriter(path, formatHint string) (*writer, error) {
	oc, err := astiav.AllocOutputFormatContext(nil, formatHint, path)
	if err != nil {
		return nil, fmt.Errorf("avcodec: output context for %s: %w", path, err)
	}
	if oc == nil {
		return nil, fmt.Errorf("avcodec: no muxer for %s (format %q)", path, formatHint)
	}
	return &writer{path: path, oc: oc, pkt: astiav.AllocPacket()}, nil
}

// AddStream copies the codec parameters of enc into a new output stream.
// enc must have been opened by this engine.
func (w *writer) AddStream(enc media.Encoder) (int, error) {
	e, ok := enc.(*encoder)
	if !ok {
		return 0, fmt.Errorf("avcodec: writer: encoder %T was not opened by this engine", enc)
	}
	st := w.oc.NewStream(nil)
	if st == nil {
		return 0, fmt.Errorf("avcodec: writer: new stream failed")
	}
	if err := e.ctx.ToCodecParameters(st.CodecParameters()); err != nil {
		return 0, fmt.Errorf("avcodec: writer: codec parameters: %w", err)
	}
	st.SetTimeBase(e.ctx.TimeBase())
	w.streams = append(w.streams, st)
	return len(w.streams) - 1, nil
}

func (w *writer) GlobalHeader() bool {
	return w.oc.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader)
}

// StreamTimeBase returns the stream time base, which the muxer may change
// in WriteHeader.
func (w *writer) StreamTimeBase(index int) timebase.Rational {
	if index < 0 || index >= len(w.streams) {
		return timebase.Rational{}
	}
	return fromRational(w.streams[index].TimeBase())
}

func (w *writer) WriteHeader() error {
	if !w.oc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		pb, err := astiav.OpenIOContext(w.path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			return fmt.Errorf("avcodec: open %s: %w", w.path, err)
		}
		w.pb = pb
		w.oc.SetPb(pb)
	}
	if err := w.oc.WriteHeader(nil); err != nil {
		return fmt.Errorf("avcodec: write header: %w", err)
	}

	tbs := make([]string, len(w.streams))
	for i := range w.streams {
		tbs[i] = w.StreamTimeBase(i).String()
	}
	slog.Info("avcodec: container header written",
		"path", w.path,
		"format", w.oc.OutputFormat().Name(),
		"stream_time_bases", tbs,
	)
	return nil
}

func (w *writer) WritePacket(p *media.Packet) error {
	if p.StreamIndex < 0 || p.StreamIndex >= len(w.streams) {
		return fmt.Errorf("avcodec: packet for unknown stream %d", p.StreamIndex)
	}
	if err := w.pkt.FromData(p.Data); err != nil {
		return fmt.Errorf("avcodec: packet data: %w", err)
	}
	w.pkt.SetStreamIndex(p.StreamIndex)
	w.pkt.SetPts(p.PTS)
	w.pkt.SetDts(p.DTS)
	w.pkt.SetDuration(p.Duration)
	if p.Keyframe {
		w.pkt.SetFlags(w.pkt.Flags().Add(astiav.PacketFlagKey))
	}

	// WriteInterleavedFrame takes ownership of the packet reference.
	if err := w.oc.WriteInterleavedFrame(w.pkt); err != nil {
		w.pkt.Unref()
		return fmt.Errorf("avcodec: write %s packet pts=%d: %w", p.Kind, p.PTS, err)
	}
	return nil
}

func (w *writer) WriteTrailer() error {
	if err := w.oc.WriteTrailer(); err != nil {
		return fmt.Errorf("avcodec: write trailer: %w", err)
	}
	return nil
}

func (w *writer) Close() error {
	var errs []error
	if w.pb != nil {
		if err := w.pb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("avcodec: close %s: %w", w.path, err))
		}
		w.pb = nil
	}
	if w.pkt != nil {
		w.pkt.Free()
		w.pkt = nil
	}
	if w.oc != nil {
		w.oc.Free()
		w.oc = nil
	}
	return errors.Join(errs...)
}
