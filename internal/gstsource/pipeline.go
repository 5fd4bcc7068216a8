package gstsource

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// Input selects the GStreamer source element.
type Input string

const (
	// InputDevice captures the X11 screen (ximagesrc) or the microphone
	// (pulsesrc, autoaudiosrc when no device is configured).
	InputDevice Input = "device"
	// InputTest uses videotestsrc/audiotestsrc, live and clock-paced.
	InputTest Input = "test"
)

// Config describes one capture source.
type Config struct {
	Kind  media.Kind
	Input Input

	// Video
	Display   string // X display, e.g. ":0"; empty uses $DISPLAY
	Width     int
	Height    int
	OffsetX   int
	OffsetY   int
	FrameRate int
	DrawMouse bool

	// Audio
	Device     string // pulse device name; empty picks the default source
	SampleRate int
	Channels   int

	// Buffer is the capacity of the unit channel between the appsink
	// callback and Read. Units are dropped when it is full.
	Buffer int
}

// Validate checks cfg before any GStreamer element is created.
func (c Config) Validate() error {
	switch c.Input {
	case InputDevice, InputTest:
	default:
		return fmt.Errorf("gstsource: unknown input %q", c.Input)
	}
	switch c.Kind {
	case media.KindVideo:
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("gstsource: invalid screen size %dx%d", c.Width, c.Height)
		}
		if c.OffsetX < 0 || c.OffsetY < 0 {
			return fmt.Errorf("gstsource: invalid screen offset %d,%d", c.OffsetX, c.OffsetY)
		}
		if c.FrameRate <= 0 {
			return fmt.Errorf("gstsource: invalid frame rate %d", c.FrameRate)
		}
	case media.KindAudio:
		if c.SampleRate <= 0 {
			return fmt.Errorf("gstsource: invalid sample rate %d", c.SampleRate)
		}
		if c.Channels != 1 && c.Channels != 2 {
			return fmt.Errorf("gstsource: unsupported channel count %d", c.Channels)
		}
	default:
		return fmt.Errorf("gstsource: unknown stream kind %v", c.Kind)
	}
	return nil
}

// elements holds references needed after creation.
type elements struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
}

// createPipeline builds, but does not start, the pipeline for cfg.
//
// Video:
//
//	ximagesrc|videotestsrc → videoconvert → videoscale → videorate →
//	capsfilter(BGRx) → appsink
//
// Audio:
//
//	pulsesrc|autoaudiosrc|audiotestsrc → audioconvert → audioresample →
//	capsfilter(S16LE) → appsink
func createPipeline(cfg Config) (*elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstsource: create pipeline: %w", err)
	}

	var chain []*gst.Element
	switch cfg.Kind {
	case media.KindVideo:
		chain, err = videoChain(cfg)
	default:
		chain, err = audioChain(cfg)
	}
	if err != nil {
		return nil, err
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstsource: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("emit-signals", false)
	// Audio must never be dropped inside GStreamer, losses are counted at
	// the callback instead.
	sink.SetProperty("max-buffers", uint(4))
	sink.SetProperty("drop", cfg.Kind == media.KindVideo)

	chain = append(chain, sink.Element)
	if err := pipeline.AddMany(chain...); err != nil {
		return nil, fmt.Errorf("gstsource: add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("gstsource: link %s pipeline: %w", cfg.Kind, err)
	}

	return &elements{pipeline: pipeline, sink: sink}, nil
}

func videoChain(cfg Config) ([]*gst.Element, error) {
	var src *gst.Element
	var err error
	switch cfg.Input {
	case InputTest:
		src, err = newElement("videotestsrc")
		if err != nil {
			return nil, err
		}
		src.SetProperty("is-live", true)
		src.SetProperty("pattern", 0) // smpte
	default:
		src, err = newElement("ximagesrc")
		if err != nil {
			return nil, err
		}
		if cfg.Display != "" {
			src.SetProperty("display-name", cfg.Display)
		}
		src.SetProperty("show-pointer", cfg.DrawMouse)
		src.SetProperty("use-damage", false)
		// ximagesrc end coordinates are inclusive.
		src.SetProperty("startx", uint(cfg.OffsetX))
		src.SetProperty("starty", uint(cfg.OffsetY))
		src.SetProperty("endx", uint(cfg.OffsetX+cfg.Width-1))
		src.SetProperty("endy", uint(cfg.OffsetY+cfg.Height-1))
	}

	convert, err := newElement("videoconvert")
	if err != nil {
		return nil, err
	}
	convert.SetProperty("n-threads", uint(0))

	scale, err := newElement("videoscale")
	if err != nil {
		return nil, err
	}

	rate, err := newElement("videorate")
	if err != nil {
		return nil, err
	}

	caps, err := newElement("capsfilter")
	if err != nil {
		return nil, err
	}
	capsStr := videoCaps(cfg.Width, cfg.Height, cfg.FrameRate)
	caps.SetProperty("caps", gst.NewCapsFromString(capsStr))

	slog.Debug("gstsource: video pipeline", "input", string(cfg.Input), "caps", capsStr)
	return []*gst.Element{src, convert, scale, rate, caps}, nil
}

func audioChain(cfg Config) ([]*gst.Element, error) {
	var src *gst.Element
	var err error
	switch {
	case cfg.Input == InputTest:
		src, err = newElement("audiotestsrc")
		if err != nil {
			return nil, err
		}
		src.SetProperty("is-live", true)
		src.SetProperty("wave", 0) // sine
	case cfg.Device != "":
		src, err = newElement("pulsesrc")
		if err != nil {
			return nil, err
		}
		src.SetProperty("device", cfg.Device)
	default:
		src, err = newElement("autoaudiosrc")
		if err != nil {
			return nil, err
		}
	}

	convert, err := newElement("audioconvert")
	if err != nil {
		return nil, err
	}
	resample, err := newElement("audioresample")
	if err != nil {
		return nil, err
	}

	caps, err := newElement("capsfilter")
	if err != nil {
		return nil, err
	}
	capsStr := audioCaps(cfg.SampleRate, cfg.Channels)
	caps.SetProperty("caps", gst.NewCapsFromString(capsStr))

	slog.Debug("gstsource: audio pipeline", "input", string(cfg.Input), "device", cfg.Device, "caps", capsStr)
	return []*gst.Element{src, convert, resample, caps}, nil
}

func newElement(factory string) (*gst.Element, error) {
	e, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("gstsource: create %s: %w", factory, err)
	}
	return e, nil
}

// videoCaps locks the appsink to packed BGRx at the screen size and rate.
func videoCaps(width, height, fps int) string {
	return fmt.Sprintf(
		"video/x-raw,format=BGRx,width=%d,height=%d,framerate=%d/1",
		width, height, fps,
	)
}

// audioCaps locks the appsink to interleaved signed 16-bit PCM.
func audioCaps(rate, channels int) string {
	return fmt.Sprintf(
		"audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d",
		rate, channels,
	)
}

// destroyPipeline sets the pipeline to NULL, releasing devices.
func destroyPipeline(e *elements) error {
	if e == nil || e.pipeline == nil {
		return nil
	}
	if err := e.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsource: set pipeline to NULL: %w", err)
	}
	return nil
}
