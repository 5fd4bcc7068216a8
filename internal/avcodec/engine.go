// Package avcodec implements the media engine on FFmpeg through go-astiav.
//
// It provides decoders for raw captured units, swscale and swresample
// converters, encoders, an avformat container writer and avdevice capture
// sources (x11grab, pulse, alsa).
package avcodec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

var registerOnce sync.Once

// Options configures the engine.
type Options struct {
	// Threads is the codec thread count, 0 lets FFmpeg decide.
	Threads int
	// LogLevel is the FFmpeg log level routed into slog ("error", "warning",
	// "info", "debug"). Empty means "warning".
	LogLevel string
	// EncoderOptions are passed to every encoder as an AVDictionary,
	// e.g. {"preset": "veryfast"}.
	EncoderOptions map[string]string
}

// Engine is the FFmpeg media engine.
type Engine struct {
	opts Options
}

// New initializes FFmpeg devices and logging and returns an Engine.
func New(opts Options) *Engine {
	registerOnce.Do(func() {
		astiav.RegisterAllDevices()
	})
	installLogBridge(opts.LogLevel)

	slog.Info("avcodec: engine initialized",
		"threads", opts.Threads,
		"log_level", opts.LogLevel,
	)
	return &Engine{opts: opts}
}

// OpenDecoder implements media.Engine.
func (e *Engine) OpenDecoder(p media.SourceParams) (media.Decoder, error) {
	return newDecoder(p, e.opts.Threads)
}

// OpenScaler implements media.Engine.
func (e *Engine) OpenScaler(src, dst media.VideoFormat) (media.Scaler, error) {
	return newScaler(src, dst)
}

// OpenResampler implements media.Engine.
func (e *Engine) OpenResampler(src, dst media.AudioFormat) (media.Resampler, error) {
	return newResampler(src, dst)
}

// OpenEncoder implements media.Engine.
func (e *Engine) OpenEncoder(p media.EncoderParams) (media.Encoder, error) {
	return newEncoder(p, e.opts)
}

// OpenContainerWriter implements media.Engine.
func (e *Engine) OpenContainerWriter(path, formatHint string) (media.ContainerWriter, error) {
	return newWriter(path, formatHint)
}

// mapError turns FFmpeg loop-control errors into the engine sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEagain):
		return media.ErrNeedMore
	case errors.Is(err, astiav.ErrEof):
		return media.ErrEndOfStream
	default:
		return err
	}
}

func toRational(r timebase.Rational) astiav.Rational {
	return astiav.NewRational(r.Num, r.Den)
}

func fromRational(r astiav.Rational) timebase.Rational {
	return timebase.New(r.Num(), r.Den())
}

func sampleFormat(f media.SampleFormat) (astiav.SampleFormat, error) {
	switch f.Name {
	case "s16":
		return astiav.SampleFormatS16, nil
	case "s16p":
		return astiav.SampleFormatS16P, nil
	case "s32":
		return astiav.SampleFormatS32, nil
	case "flt":
		return astiav.SampleFormatFlt, nil
	case "fltp":
		return astiav.SampleFormatFltp, nil
	default:
		return astiav.SampleFormatNone, fmt.Errorf("avcodec: unsupported sample format %q", f.Name)
	}
}

func fromSampleFormat(f astiav.SampleFormat) (media.SampleFormat, error) {
	switch f {
	case astiav.SampleFormatS16:
		return media.SampleFormatS16, nil
	case astiav.SampleFormatS16P:
		return media.SampleFormatS16P, nil
	case astiav.SampleFormatS32:
		return media.SampleFormatS32, nil
	case astiav.SampleFormatFlt:
		return media.SampleFormatFLT, nil
	case astiav.SampleFormatFltp:
		return media.SampleFormatFLTP, nil
	default:
		return media.SampleFormat{}, fmt.Errorf("avcodec: unsupported sample format %s", f)
	}
}

func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	default:
		return astiav.ChannelLayout{}, fmt.Errorf("avcodec: unsupported channel count %d", channels)
	}
}

func pixelFormat(name string) (astiav.PixelFormat, error) {
	pf := astiav.FindPixelFormatByName(name)
	if pf == astiav.PixelFormatNone {
		return pf, fmt.Errorf("avcodec: unknown pixel format %q", name)
	}
	return pf, nil
}

func dictionary(opts map[string]string) *astiav.Dictionary {
	if len(opts) == 0 {
		return nil
	}
	d := astiav.NewDictionary()
	for k, v := range opts {
		_ = d.Set(k, v, 0)
	}
	return d
}
