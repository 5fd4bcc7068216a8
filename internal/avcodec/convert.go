package avcodec

import (
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// scaler converts captured pictures into the encoder pixel format and size
// with swscale.
type scaler struct {
	dst   media.VideoFormat
	dstPF astiav.PixelFormat
	ssc   *astiav.SoftwareScaleContext
}

func newScaler(src, dst media.VideoFormat) (*scaler, error) {
	spf, err := pixelFormat(src.PixelFormat)
	if err != nil {
		return nil, err
	}
	dpf, err := pixelFormat(dst.PixelFormat)
	if err != nil {
		return nil, err
	}
	flags := astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear)
	ssc, err := astiav.CreateSoftwareScaleContext(
		src.Width, src.Height, spf,
		dst.Width, dst.Height, dpf,
		flags,
	)
	if err != nil {
		return nil, fmt.Errorf("avcodec: scaler %v -> %v: %w", src, dst, err)
	}
	return &scaler{dst: dst, dstPF: dpf, ssc: ssc}, nil
}

func (s *scaler) Convert(in media.Frame) (media.Frame, error) {
	src, err := unwrap(in)
	if err != nil {
		return nil, err
	}
	out := astiav.AllocFrame()
	out.SetWidth(s.dst.Width)
	out.SetHeight(s.dst.Height)
	out.SetPixelFormat(s.dstPF)
	if err := out.AllocBuffer(0); err != nil {
		out.Free()
		return nil, fmt.Errorf("avcodec: scaler: alloc frame: %w", err)
	}
	if err := s.ssc.ScaleFrame(src, out); err != nil {
		out.Free()
		return nil, fmt.Errorf("avcodec: scale frame: %w", err)
	}
	out.SetPts(src.Pts())
	return &frame{f: out, kind: media.KindVideo}, nil
}

func (s *scaler) Close() error {
	s.ssc.Free()
	return nil
}

// resampler converts decoded audio into the encoder sample format, layout
// and rate with swresample. Output chunk sizes vary with the filter delay.
type resampler struct {
	src, dst  media.AudioFormat
	dstSF     astiav.SampleFormat
	dstLayout astiav.ChannelLayout
	swr       *astiav.SoftwareResampleContext
	used      bool
}

func newResampler(src, dst media.AudioFormat) (*resampler, error) {
	if src.SampleRate <= 0 || dst.SampleRate <= 0 {
		return nil, fmt.Errorf("avcodec: resampler: invalid rates %d -> %d", src.SampleRate, dst.SampleRate)
	}
	sf, err := sampleFormat(dst.SampleFormat)
	if err != nil {
		return nil, err
	}
	layout, err := channelLayout(dst.Channels)
	if err != nil {
		return nil, err
	}
	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		return nil, fmt.Errorf("avcodec: resampler: alloc context failed")
	}
	return &resampler{src: src, dst: dst, dstSF: sf, dstLayout: layout, swr: swr}, nil
}

func (r *resampler) Resample(in media.Frame) (media.Samples, error) {
	src, err := unwrap(in)
	if err != nil {
		return media.Samples{}, err
	}
	r.used = true
	return r.convert(src, src.NbSamples())
}

func (r *resampler) Flush() (media.Samples, error) {
	if !r.used {
		return r.empty(), nil
	}
	return r.convert(nil, 0)
}

func (r *resampler) Close() error {
	r.swr.Free()
	return nil
}

func (r *resampler) convert(src *astiav.Frame, inSamples int) (media.Samples, error) {
	// Room for the buffered delay plus the converted input.
	delay := r.swr.Delay(int64(r.src.SampleRate))
	capacity := int((delay+int64(inSamples))*int64(r.dst.SampleRate)/int64(r.src.SampleRate)) + 32

	out := astiav.AllocFrame()
	defer out.Free()
	out.SetSampleFormat(r.dstSF)
	out.SetChannelLayout(r.dstLayout)
	out.SetSampleRate(r.dst.SampleRate)
	out.SetNbSamples(capacity)
	if err := out.AllocBuffer(0); err != nil {
		return media.Samples{}, fmt.Errorf("avcodec: resampler: alloc frame: %w", err)
	}

	if err := r.swr.ConvertFrame(src, out); err != nil {
		return media.Samples{}, fmt.Errorf("avcodec: resample: %w", err)
	}
	return samplesFromFrame(out, r.dst)
}

func (r *resampler) empty() media.Samples {
	planes := make([][]byte, r.dst.SampleFormat.PlaneCount(r.dst.Channels))
	return media.Samples{Format: r.dst.SampleFormat, Channels: r.dst.Channels, Planes: planes}
}

// samplesFromFrame copies the audio of f into Go-owned planes.
func samplesFromFrame(f *astiav.Frame, format media.AudioFormat) (media.Samples, error) {
	n := f.NbSamples()
	sf := format.SampleFormat
	planeCount := sf.PlaneCount(format.Channels)
	stride := sf.PlaneStride(format.Channels)

	s := media.Samples{
		Format:   sf,
		Channels: format.Channels,
		Planes:   make([][]byte, planeCount),
		Count:    n,
	}
	if n == 0 {
		return s, nil
	}

	buf, err := f.Data().Bytes(1)
	if err != nil {
		return media.Samples{}, fmt.Errorf("avcodec: read samples: %w", err)
	}
	size := n * stride
	if len(buf) < size*planeCount {
		return media.Samples{}, fmt.Errorf("avcodec: frame holds %d bytes, want %d", len(buf), size*planeCount)
	}
	for i := range s.Planes {
		s.Planes[i] = append([]byte(nil), buf[i*size:(i+1)*size]...)
	}
	return s, nil
}
