// Package media defines the codec engine contract shared by the capture
// pipelines and the engine backends.
//
// The pipelines never talk to FFmpeg or GStreamer directly. They open
// decoders, scalers, resamplers, encoders and container writers through an
// Engine, read input Units from a Source and pass engine-owned Frames between
// the stages. Encoded output leaves the engine as a Go-owned Packet.
package media

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// Kind identifies the logical stream a unit, frame or packet belongs to.
type Kind int

const (
	// KindVideo is the screen stream.
	KindVideo Kind = iota
	// KindAudio is the microphone stream.
	KindAudio
)

// String returns a human-readable name of the stream kind
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// SampleFormat describes the in-memory layout of PCM samples.
type SampleFormat struct {
	Name           string // FFmpeg sample format name (s16, fltp...)
	BytesPerSample int
	Planar         bool
}

// Sample formats understood by every backend.
var (
	SampleFormatS16  = SampleFormat{Name: "s16", BytesPerSample: 2}
	SampleFormatS16P = SampleFormat{Name: "s16p", BytesPerSample: 2, Planar: true}
	SampleFormatS32  = SampleFormat{Name: "s32", BytesPerSample: 4}
	SampleFormatFLT  = SampleFormat{Name: "flt", BytesPerSample: 4}
	SampleFormatFLTP = SampleFormat{Name: "fltp", BytesPerSample: 4, Planar: true}
)

// SampleFormatByName returns the sample format registered under name.
func SampleFormatByName(name string) (SampleFormat, bool) {
	for _, f := range []SampleFormat{SampleFormatS16, SampleFormatS16P, SampleFormatS32, SampleFormatFLT, SampleFormatFLTP} {
		if f.Name == name {
			return f, true
		}
	}
	return SampleFormat{}, false
}

// PlaneCount returns the number of data planes for the given channel count.
func (f SampleFormat) PlaneCount(channels int) int {
	if f.Planar {
		return channels
	}
	return 1
}

// PlaneStride returns the number of bytes one sample occupies in one plane.
func (f SampleFormat) PlaneStride(channels int) int {
	if f.Planar {
		return f.BytesPerSample
	}
	return f.BytesPerSample * channels
}

func (f SampleFormat) String() string {
	return f.Name
}

// VideoFormat is the geometry and pixel format of raw pictures.
type VideoFormat struct {
	Width       int
	Height      int
	PixelFormat string // FFmpeg pixel format name (bgr0, yuv420p...)
}

func (f VideoFormat) String() string {
	return fmt.Sprintf("%dx%d/%s", f.Width, f.Height, f.PixelFormat)
}

// AudioFormat is the rate, channel count and sample format of raw audio.
type AudioFormat struct {
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.SampleFormat)
}

// Unit is one captured input unit: a raw picture or a block of PCM as
// delivered by a Source.
type Unit struct {
	Kind       Kind
	PTS        int64 // in the source time base, timebase.NoPTS when unknown
	Duration   int64
	Seq        uint64
	CapturedAt time.Time
	TraceID    string
	Data       []byte
}

// Samples is a Go-owned block of PCM samples.
//
// Planes holds one slice per channel for planar formats and a single
// interleaved slice otherwise. Every plane carries Count samples.
type Samples struct {
	Format   SampleFormat
	Channels int
	Planes   [][]byte
	Count    int
}

// Validate checks that the plane layout matches format, channels and count.
func (s Samples) Validate() error {
	if s.Channels <= 0 {
		return fmt.Errorf("media: invalid channel count %d", s.Channels)
	}
	if want := s.Format.PlaneCount(s.Channels); len(s.Planes) != want {
		return fmt.Errorf("media: %s with %d channels needs %d planes, got %d",
			s.Format, s.Channels, want, len(s.Planes))
	}
	stride := s.Format.PlaneStride(s.Channels)
	for i, p := range s.Planes {
		if len(p) < s.Count*stride {
			return fmt.Errorf("media: plane %d holds %d bytes, need %d", i, len(p), s.Count*stride)
		}
	}
	return nil
}

// Packet is one encoded unit. Data is owned by the packet.
type Packet struct {
	StreamIndex int
	Kind        Kind
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	Data        []byte
}

// Rescale converts PTS, DTS and Duration from src to dst.
func (p *Packet) Rescale(src, dst timebase.Rational) {
	p.PTS = timebase.Rescale(p.PTS, src, dst)
	p.DTS = timebase.Rescale(p.DTS, src, dst)
	if p.Duration > 0 {
		p.Duration = timebase.Rescale(p.Duration, src, dst)
	}
}

// OrderTS returns the timestamp used to order the packet against others:
// DTS when set, PTS otherwise.
func (p *Packet) OrderTS() int64 {
	if p.DTS != timebase.NoPTS {
		return p.DTS
	}
	return p.PTS
}
