package screencapture

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/avcodec"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/gstsource"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// Capture backends.
const (
	BackendGStreamer = "gstreamer"
	BackendAVDevice  = "avdevice"
	BackendTest      = "test"
)

func openVideoSource(cfg *config.Config) (media.Source, error) {
	w, h := cfg.Video.InputDims()
	v := cfg.Video

	switch cfg.Capture.Backend {
	case BackendGStreamer, BackendTest:
		return gstsource.Open(gstsource.Config{
			Kind:      media.KindVideo,
			Input:     gstInput(cfg.Capture.Backend),
			Display:   v.Display,
			Width:     w,
			Height:    h,
			OffsetX:   v.OffsetX,
			OffsetY:   v.OffsetY,
			FrameRate: v.FrameRate,
			DrawMouse: v.DrawMouse,
			Buffer:    cfg.Capture.Buffer,
		})
	case BackendAVDevice:
		return avcodec.OpenDevice(avcodec.DeviceConfig{
			Kind:      media.KindVideo,
			Format:    "x11grab",
			Device:    v.Display,
			Width:     w,
			Height:    h,
			OffsetX:   v.OffsetX,
			OffsetY:   v.OffsetY,
			FrameRate: v.FrameRate,
			DrawMouse: v.DrawMouse,
		})
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
	}
}

func openAudioSource(cfg *config.Config) (media.Source, error) {
	a := cfg.Audio

	switch cfg.Capture.Backend {
	case BackendGStreamer, BackendTest:
		return gstsource.Open(gstsource.Config{
			Kind:       media.KindAudio,
			Input:      gstInput(cfg.Capture.Backend),
			Device:     a.Device,
			SampleRate: a.InputRate,
			Channels:   a.Channels,
			Buffer:     cfg.Capture.Buffer,
		})
	case BackendAVDevice:
		return avcodec.OpenDevice(avcodec.DeviceConfig{
			Kind:       media.KindAudio,
			Format:     "pulse",
			Device:     a.Device,
			SampleRate: a.InputRate,
			Channels:   a.Channels,
		})
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
	}
}

func gstInput(backend string) gstsource.Input {
	if backend == BackendTest {
		return gstsource.InputTest
	}
	return gstsource.InputDevice
}
