package avcodec

import (
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

const defaultPixelFormat = "yuv420p"

type encoder struct {
	params media.EncoderParams
	ctx    *astiav.CodecContext
	pkt    *astiav.Packet
	tb     timebase.Rational

	sf     astiav.SampleFormat
	layout astiav.ChannelLayout
}

func newEncoder(p media.EncoderParams, opts Options) (*encoder, error) {
	codec := astiav.FindEncoderByName(p.Codec)
	if codec == nil {
		return nil, fmt.Errorf("avcodec: encoder %q not found", p.Codec)
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, fmt.Errorf("avcodec: encoder %q: alloc context failed", p.Codec)
	}

	e := &encoder{params: p, ctx: ctx}
	var err error
	switch p.Kind {
	case media.KindVideo:
		err = e.configureVideo(codec)
	case media.KindAudio:
		err = e.configureAudio(codec)
	default:
		err = fmt.Errorf("avcodec: encoder: unknown stream kind %v", p.Kind)
	}
	if err != nil {
		ctx.Free()
		return nil, err
	}

	if p.BitRate > 0 {
		ctx.SetBitRate(p.BitRate)
	}
	if p.GlobalHeader {
		ctx.SetFlags(ctx.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	if opts.Threads > 0 {
		ctx.SetThreadCount(opts.Threads)
	}

	dict := dictionary(opts.EncoderOptions)
	if dict != nil {
		defer dict.Free()
	}
	if err := ctx.Open(codec, dict); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("avcodec: open encoder %q: %w", p.Codec, err)
	}

	e.tb = fromRational(ctx.TimeBase())
	e.pkt = astiav.AllocPacket()

	slog.Info("avcodec: encoder opened",
		"codec", p.Codec,
		"kind", p.Kind.String(),
		"time_base", e.tb.String(),
		"frame_size", ctx.FrameSize(),
		"global_header", p.GlobalHeader,
		"extradata", len(ctx.ExtraData()),
	)
	return e, nil
}

func (e *encoder) configureVideo(codec *astiav.Codec) error {
	p := &e.params
	if p.FrameRate <= 0 || p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("avcodec: video encoder needs size and frame rate, got %dx%d@%d", p.Width, p.Height, p.FrameRate)
	}
	if p.PixelFormat == "" {
		p.PixelFormat = defaultPixelFormat
	}
	pf, err := pixelFormat(p.PixelFormat)
	if err != nil {
		return err
	}
	if supported := codec.PixelFormats(); len(supported) > 0 && !containsPixelFormat(supported, pf) {
		slog.Warn("avcodec: pixel format not supported by encoder, using first supported",
			"codec", p.Codec,
			"requested", p.PixelFormat,
			"using", supported[0].String(),
		)
		pf = supported[0]
		p.PixelFormat = pf.String()
	}

	e.ctx.SetWidth(p.Width)
	e.ctx.SetHeight(p.Height)
	e.ctx.SetPixelFormat(pf)
	e.ctx.SetTimeBase(astiav.NewRational(1, p.FrameRate))
	e.ctx.SetFramerate(astiav.NewRational(p.FrameRate, 1))
	if p.GOPSize > 0 {
		e.ctx.SetGopSize(p.GOPSize)
	}
	e.ctx.SetMaxBFrames(p.MaxBFrames)
	return nil
}

func (e *encoder) configureAudio(codec *astiav.Codec) error {
	p := &e.params
	if p.SampleRate <= 0 {
		return fmt.Errorf("avcodec: audio encoder needs a sample rate, got %d", p.SampleRate)
	}
	layout, err := channelLayout(p.Channels)
	if err != nil {
		return err
	}

	sf := astiav.SampleFormatNone
	if p.SampleFormat.Name != "" {
		if sf, err = sampleFormat(p.SampleFormat); err != nil {
			return err
		}
	}
	if supported := codec.SampleFormats(); len(supported) > 0 && !containsSampleFormat(supported, sf) {
		// Pick the first supported format this engine can also hand to the FIFO.
		for _, candidate := range supported {
			if _, err := fromSampleFormat(candidate); err == nil {
				sf = candidate
				break
			}
		}
	}
	mf, err := fromSampleFormat(sf)
	if err != nil {
		return fmt.Errorf("avcodec: encoder %q: %w", p.Codec, err)
	}
	p.SampleFormat = mf

	e.ctx.SetSampleRate(p.SampleRate)
	e.ctx.SetSampleFormat(sf)
	e.ctx.SetChannelLayout(layout)
	e.ctx.SetTimeBase(astiav.NewRational(1, p.SampleRate))
	// Some FFmpeg builds still flag the native AAC encoder experimental.
	e.ctx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	e.sf = sf
	e.layout = layout
	return nil
}

func containsPixelFormat(list []astiav.PixelFormat, pf astiav.PixelFormat) bool {
	for _, v := range list {
		if v == pf {
			return true
		}
	}
	return false
}

func containsSampleFormat(list []astiav.SampleFormat, sf astiav.SampleFormat) bool {
	for _, v := range list {
		if v == sf {
			return true
		}
	}
	return false
}

func (e *encoder) SendFrame(f media.Frame) error {
	if f == nil {
		return mapError(e.ctx.SendFrame(nil))
	}
	af, err := unwrap(f)
	if err != nil {
		return err
	}
	return mapError(e.ctx.SendFrame(af))
}

func (e *encoder) ReceivePacket() (*media.Packet, error) {
	if err := e.ctx.ReceivePacket(e.pkt); err != nil {
		return nil, mapError(err)
	}
	defer e.pkt.Unref()

	return &media.Packet{
		Kind:     e.params.Kind,
		PTS:      e.pkt.Pts(),
		DTS:      e.pkt.Dts(),
		Duration: e.pkt.Duration(),
		Keyframe: e.pkt.Flags().Has(astiav.PacketFlagKey),
		Data:     append([]byte(nil), e.pkt.Data()...),
	}, nil
}

// FrameSize returns the fixed audio frame size, 0 when the encoder accepts
// any size.
func (e *encoder) FrameSize() int { return e.ctx.FrameSize() }

func (e *encoder) TimeBase() timebase.Rational { return e.tb }

func (e *encoder) Params() media.EncoderParams { return e.params }

func (e *encoder) ExtraData() []byte { return e.ctx.ExtraData() }

// AudioFrame copies s into an encoder-format frame stamped with pts.
func (e *encoder) AudioFrame(s media.Samples, pts int64) (media.Frame, error) {
	if e.params.Kind != media.KindAudio {
		return nil, fmt.Errorf("avcodec: audio frame requested from %s encoder", e.params.Kind)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Format != e.params.SampleFormat || s.Channels != e.params.Channels {
		return nil, fmt.Errorf("avcodec: samples %s/%dch do not match encoder %s/%dch",
			s.Format, s.Channels, e.params.SampleFormat, e.params.Channels)
	}

	f := astiav.AllocFrame()
	f.SetSampleFormat(e.sf)
	f.SetChannelLayout(e.layout)
	f.SetSampleRate(e.params.SampleRate)
	f.SetNbSamples(s.Count)
	if err := f.AllocBuffer(0); err != nil {
		f.Free()
		return nil, fmt.Errorf("avcodec: alloc audio frame: %w", err)
	}

	buf := make([]byte, 0, s.Count*s.Format.PlaneStride(s.Channels)*len(s.Planes))
	for _, plane := range s.Planes {
		buf = append(buf, plane...)
	}
	if err := f.Data().SetBytes(buf, 1); err != nil {
		f.Free()
		return nil, fmt.Errorf("avcodec: fill audio frame: %w", err)
	}
	f.SetPts(pts)
	return &frame{f: f, kind: media.KindAudio}, nil
}

func (e *encoder) Close() error {
	if e.pkt != nil {
		e.pkt.Free()
	}
	e.ctx.Free()
	return nil
}
