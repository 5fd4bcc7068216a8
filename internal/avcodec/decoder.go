package avcodec

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// frame adapts an *astiav.Frame to media.Frame.
type frame struct {
	f    *astiav.Frame
	kind media.Kind
}

func (f *frame) Kind() media.Kind { return f.kind }

func (f *frame) PTS() int64 { return f.f.Pts() }

func (f *frame) SetPTS(pts int64) { f.f.SetPts(pts) }

func (f *frame) Samples() int {
	if f.kind != media.KindAudio {
		return 0
	}
	return f.f.NbSamples()
}

func (f *frame) Release() {
	if f.f != nil {
		f.f.Free()
		f.f = nil
	}
}

func unwrap(f media.Frame) (*astiav.Frame, error) {
	af, ok := f.(*frame)
	if !ok || af.f == nil {
		return nil, fmt.Errorf("avcodec: frame %T was not produced by this engine", f)
	}
	return af.f, nil
}

// decoder turns captured units (raw video, PCM or any FFmpeg codec) into
// frames.
type decoder struct {
	kind media.Kind
	tb   timebase.Rational
	ctx  *astiav.CodecContext
	pkt  *astiav.Packet
}

func newDecoder(p media.SourceParams, threads int) (*decoder, error) {
	if !p.TimeBase.Valid() {
		return nil, fmt.Errorf("avcodec: decoder: invalid time base %v", p.TimeBase)
	}
	codec := astiav.FindDecoderByName(p.CodecName)
	if codec == nil {
		return nil, fmt.Errorf("avcodec: decoder %q not found", p.CodecName)
	}
	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, fmt.Errorf("avcodec: decoder %q: alloc context failed", p.CodecName)
	}

	switch p.Kind {
	case media.KindVideo:
		pf, err := pixelFormat(p.PixelFormat)
		if err != nil {
			ctx.Free()
			return nil, err
		}
		ctx.SetWidth(p.Width)
		ctx.SetHeight(p.Height)
		ctx.SetPixelFormat(pf)
		if p.FrameRate > 0 {
			ctx.SetFramerate(astiav.NewRational(p.FrameRate, 1))
		}
	case media.KindAudio:
		sf, err := sampleFormat(p.SampleFormat)
		if err != nil {
			ctx.Free()
			return nil, err
		}
		layout, err := channelLayout(p.Channels)
		if err != nil {
			ctx.Free()
			return nil, err
		}
		ctx.SetSampleRate(p.SampleRate)
		ctx.SetSampleFormat(sf)
		ctx.SetChannelLayout(layout)
	}
	ctx.SetTimeBase(toRational(p.TimeBase))
	if threads > 0 {
		ctx.SetThreadCount(threads)
	}

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return nil, fmt.Errorf("avcodec: open decoder %q: %w", p.CodecName, err)
	}

	return &decoder{
		kind: p.Kind,
		tb:   p.TimeBase,
		ctx:  ctx,
		pkt:  astiav.AllocPacket(),
	}, nil
}

func (d *decoder) Send(u *media.Unit) error {
	if u == nil {
		return mapError(d.ctx.SendPacket(nil))
	}
	if err := d.pkt.FromData(u.Data); err != nil {
		return fmt.Errorf("avcodec: packet from unit %d: %w", u.Seq, err)
	}
	defer d.pkt.Unref()

	d.pkt.SetPts(u.PTS)
	d.pkt.SetDts(u.PTS)
	if u.Duration > 0 {
		d.pkt.SetDuration(u.Duration)
	}
	return mapError(d.ctx.SendPacket(d.pkt))
}

func (d *decoder) Receive() (media.Frame, error) {
	f := astiav.AllocFrame()
	if err := d.ctx.ReceiveFrame(f); err != nil {
		f.Free()
		return nil, mapError(err)
	}
	return &frame{f: f, kind: d.kind}, nil
}

func (d *decoder) TimeBase() timebase.Rational { return d.tb }

func (d *decoder) Close() error {
	d.pkt.Free()
	d.ctx.Free()
	return nil
}
