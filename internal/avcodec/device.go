package avcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// DeviceConfig selects an avdevice input.
type DeviceConfig struct {
	Kind media.Kind
	// Format is the avdevice input format: x11grab for the screen, pulse or
	// alsa for the microphone.
	Format string
	// Device is the display (":0.0") or the audio device ("default").
	Device string

	// Video
	Width     int
	Height    int
	OffsetX   int
	OffsetY   int
	FrameRate int
	DrawMouse bool

	// Audio
	SampleRate int
	Channels   int
}

// DeviceSource reads raw units from an avdevice input.
//
// Read blocks until the device delivers the next frame, so cancellation is
// observed within one capture period.
type DeviceSource struct {
	cfg    DeviceConfig
	fc     *astiav.FormatContext
	index  int
	pkt    *astiav.Packet
	params media.SourceParams

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// OpenDevice opens the input described by cfg.
func OpenDevice(cfg DeviceConfig) (*DeviceSource, error) {
	registerOnce.Do(func() {
		astiav.RegisterAllDevices()
	})

	ifmt := astiav.FindInputFormat(cfg.Format)
	if ifmt == nil {
		return nil, fmt.Errorf("avcodec: input device %q not available", cfg.Format)
	}

	url, opts := deviceInput(cfg)
	dict := dictionary(opts)
	if dict != nil {
		defer dict.Free()
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, fmt.Errorf("avcodec: alloc format context failed")
	}
	if err := fc.OpenInput(url, ifmt, dict); err != nil {
		fc.Free()
		return nil, fmt.Errorf("avcodec: open %s %q: %w", cfg.Format, url, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("avcodec: probe %s %q: %w", cfg.Format, url, err)
	}

	want := astiav.MediaTypeVideo
	if cfg.Kind == media.KindAudio {
		want = astiav.MediaTypeAudio
	}
	var st *astiav.Stream
	for _, s := range fc.Streams() {
		if s.CodecParameters().MediaType() == want {
			st = s
			break
		}
	}
	if st == nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("avcodec: %s %q has no %s stream", cfg.Format, url, cfg.Kind)
	}

	params, err := streamParams(cfg, st)
	if err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, err
	}

	slog.Info("avcodec: device opened",
		"format", cfg.Format,
		"url", url,
		"kind", cfg.Kind.String(),
		"codec", params.CodecName,
		"time_base", params.TimeBase.String(),
	)

	return &DeviceSource{
		cfg:    cfg,
		fc:     fc,
		index:  st.Index(),
		pkt:    astiav.AllocPacket(),
		params: params,
	}, nil
}

// deviceInput builds the input URL and options for cfg.
func deviceInput(cfg DeviceConfig) (string, map[string]string) {
	opts := map[string]string{}
	url := cfg.Device

	switch cfg.Kind {
	case media.KindVideo:
		if url == "" {
			url = ":0.0"
		}
		if cfg.Format == "x11grab" {
			url = fmt.Sprintf("%s+%d,%d", url, cfg.OffsetX, cfg.OffsetY)
			if cfg.DrawMouse {
				opts["draw_mouse"] = "1"
			} else {
				opts["draw_mouse"] = "0"
			}
		}
		if cfg.Width > 0 && cfg.Height > 0 {
			opts["video_size"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		}
		if cfg.FrameRate > 0 {
			opts["framerate"] = strconv.Itoa(cfg.FrameRate)
		}
	case media.KindAudio:
		if url == "" {
			url = "default"
		}
		if cfg.SampleRate > 0 {
			opts["sample_rate"] = strconv.Itoa(cfg.SampleRate)
		}
		if cfg.Channels > 0 {
			opts["channels"] = strconv.Itoa(cfg.Channels)
		}
	}
	return url, opts
}

func streamParams(cfg DeviceConfig, st *astiav.Stream) (media.SourceParams, error) {
	cp := st.CodecParameters()
	p := media.SourceParams{
		Kind:      cfg.Kind,
		CodecName: cp.CodecID().Name(),
		TimeBase:  fromRational(st.TimeBase()),
	}
	if cfg.Kind == media.KindVideo {
		p.Width = cp.Width()
		p.Height = cp.Height()
		p.PixelFormat = cp.PixelFormat().String()
		p.FrameRate = cfg.FrameRate
		return p, nil
	}

	sf, err := fromSampleFormat(cp.SampleFormat())
	if err != nil {
		return media.SourceParams{}, err
	}
	p.SampleRate = cp.SampleRate()
	p.Channels = cp.ChannelLayout().Channels()
	p.SampleFormat = sf
	return p, nil
}

// Read returns the next captured unit.
func (s *DeviceSource) Read(ctx context.Context) (*media.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.closed {
			return nil, media.ErrClosed
		}

		if err := s.fc.ReadFrame(s.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, io.EOF) {
				return nil, media.ErrEndOfStream
			}
			if errors.Is(err, astiav.ErrEagain) {
				continue
			}
			return nil, fmt.Errorf("avcodec: read %s: %w", s.cfg.Format, err)
		}
		if s.pkt.StreamIndex() != s.index {
			s.pkt.Unref()
			continue
		}

		u := &media.Unit{
			Kind:       s.cfg.Kind,
			PTS:        s.pkt.Pts(),
			Duration:   s.pkt.Duration(),
			Seq:        s.seq,
			CapturedAt: time.Now(),
			TraceID:    uuid.New().String(),
			Data:       append([]byte(nil), s.pkt.Data()...),
		}
		s.pkt.Unref()
		s.seq++

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return u, nil
	}
}

// Params implements media.Source.
func (s *DeviceSource) Params() media.SourceParams { return s.params }

// Close releases the device.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pkt.Free()
	s.fc.CloseInput()
	s.fc.Free()
	slog.Info("avcodec: device closed", "format", s.cfg.Format, "units", s.seq)
	return nil
}
