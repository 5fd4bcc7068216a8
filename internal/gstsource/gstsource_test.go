package gstsource

import (
	"context"
	"testing"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		debug string
		want  ErrorCategory
	}{
		{"x_display", "Could not open X display for reading", "", ErrCategoryDevice},
		{"pulse_refused", "Failed to connect: Connection refused", "pulsesrc", ErrCategoryDevice},
		{"xauth", "Could not open display", "No protocol specified, not authorized", ErrCategoryPermission},
		{"access_denied", "Access denied", "", ErrCategoryPermission},
		{"not_negotiated", "Internal data stream error", "streaming stopped, reason not-negotiated (-4) not negotiated", ErrCategoryFormat},
		{"missing_plugin", "Missing plugin", "", ErrCategoryFormat},
		{"unknown", "something odd happened", "", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.msg, tt.debug)
			if got != tt.want {
				t.Errorf("classify(%q, %q) = %s, want %s", tt.msg, tt.debug, got, tt.want)
			}
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	if got := ClassifyError(nil); got != ErrCategoryUnknown {
		t.Errorf("ClassifyError(nil) = %s, want unknown", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	video := Config{Kind: media.KindVideo, Input: InputDevice, Width: 1280, Height: 720, FrameRate: 30}
	audio := Config{Kind: media.KindAudio, Input: InputTest, SampleRate: 44100, Channels: 2}

	tests := []struct {
		name    string
		mutate  func(c Config) Config
		base    Config
		wantErr bool
	}{
		{"video_ok", func(c Config) Config { return c }, video, false},
		{"audio_ok", func(c Config) Config { return c }, audio, false},
		{"bad_input", func(c Config) Config { c.Input = "v4l2"; return c }, video, true},
		{"zero_width", func(c Config) Config { c.Width = 0; return c }, video, true},
		{"negative_offset", func(c Config) Config { c.OffsetX = -1; return c }, video, true},
		{"zero_fps", func(c Config) Config { c.FrameRate = 0; return c }, video, true},
		{"zero_rate", func(c Config) Config { c.SampleRate = 0; return c }, audio, true},
		{"six_channels", func(c Config) Config { c.Channels = 6; return c }, audio, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(tt.base).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCaps(t *testing.T) {
	if got, want := videoCaps(1920, 1080, 30), "video/x-raw,format=BGRx,width=1920,height=1080,framerate=30/1"; got != want {
		t.Errorf("videoCaps = %q, want %q", got, want)
	}
	if got, want := audioCaps(44100, 2), "audio/x-raw,format=S16LE,layout=interleaved,rate=44100,channels=2"; got != want {
		t.Errorf("audioCaps = %q, want %q", got, want)
	}
}

func TestSourceParams(t *testing.T) {
	v := sourceParams(Config{Kind: media.KindVideo, Width: 640, Height: 480, FrameRate: 25})
	if v.CodecName != "rawvideo" || v.PixelFormat != "bgr0" || v.TimeBase != timebase.Nanosecond {
		t.Errorf("unexpected video params %+v", v)
	}

	a := sourceParams(Config{Kind: media.KindAudio, SampleRate: 48000, Channels: 1})
	if a.CodecName != "pcm_s16le" || a.SampleFormat != media.SampleFormatS16 || a.Channels != 1 {
		t.Errorf("unexpected audio params %+v", a)
	}
}

func requireElements(t *testing.T, factories ...string) {
	t.Helper()
	gst.Init(nil)
	for _, f := range factories {
		if _, err := gst.NewElement(f); err != nil {
			t.Skipf("GStreamer element %s not available: %v", f, err)
		}
	}
}

// TestSource_TestInput runs real test pipelines and checks that units arrive
// with increasing timestamps and the locked frame size.
func TestSource_TestInput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping GStreamer pipeline in short mode")
	}

	t.Run("video", func(t *testing.T) {
		requireElements(t, "videotestsrc", "videoconvert", "videoscale", "videorate", "appsink")

		src, err := Open(Config{Kind: media.KindVideo, Input: InputTest, Width: 320, Height: 240, FrameRate: 30})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer src.Close()

		units := readUnits(t, src, 5)
		for i, u := range units {
			if len(u.Data) != 320*240*4 {
				t.Errorf("unit %d: %d bytes, want %d", i, len(u.Data), 320*240*4)
			}
			if i > 0 && u.PTS <= units[i-1].PTS {
				t.Errorf("unit %d: pts %d not after %d", i, u.PTS, units[i-1].PTS)
			}
		}
		t.Logf("✅ %d video units, dropped=%d", len(units), src.Dropped())
	})

	t.Run("audio", func(t *testing.T) {
		requireElements(t, "audiotestsrc", "audioconvert", "audioresample", "appsink")

		src, err := Open(Config{Kind: media.KindAudio, Input: InputTest, SampleRate: 44100, Channels: 2})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer src.Close()

		units := readUnits(t, src, 5)
		for i, u := range units {
			if len(u.Data)%4 != 0 {
				t.Errorf("unit %d: %d bytes is not a whole number of stereo s16 samples", i, len(u.Data))
			}
		}
		t.Logf("✅ %d audio units", len(units))
	})
}

func readUnits(t *testing.T, src *Source, n int) []*media.Unit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	units := make([]*media.Unit, 0, n)
	for len(units) < n {
		u, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read after %d units: %v", len(units), err)
		}
		units = append(units, u)
	}
	return units
}

func TestSource_CloseIdempotent(t *testing.T) {
	requireElements(t, "videotestsrc", "videoconvert", "videoscale", "videorate", "appsink")

	src, err := Open(Config{Kind: media.KindVideo, Input: InputTest, Width: 160, Height: 120, FrameRate: 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
