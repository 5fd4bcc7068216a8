package media

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

var (
	// ErrNeedMore means the decoder or encoder needs more input before it
	// can produce output. It is loop control, not a failure.
	ErrNeedMore = errors.New("media: need more input")

	// ErrEndOfStream means the decoder, encoder or source is fully drained.
	ErrEndOfStream = errors.New("media: end of stream")

	// ErrClosed is returned by handles used after Close.
	ErrClosed = errors.New("media: handle closed")
)

// IsLoopControl reports whether err is one of the non-fatal drain signals.
func IsLoopControl(err error) bool {
	return errors.Is(err, ErrNeedMore) || errors.Is(err, ErrEndOfStream)
}

// Frame is a raw picture or block of samples owned by the engine.
type Frame interface {
	Kind() Kind
	// PTS is expressed in the time base of the stage that produced the frame.
	PTS() int64
	SetPTS(pts int64)
	// Samples is the number of audio samples per channel, 0 for video.
	Samples() int
	// Release returns the frame to the engine. The frame must not be used after.
	Release()
}

// SourceParams describes the units a Source delivers.
type SourceParams struct {
	Kind      Kind
	CodecName string // rawvideo, pcm_s16le...
	TimeBase  timebase.Rational

	// Video
	Width       int
	Height      int
	PixelFormat string
	FrameRate   int

	// Audio
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat

	ExtraData []byte
}

// VideoFormat returns the raw picture format of a video source.
func (p SourceParams) VideoFormat() VideoFormat {
	return VideoFormat{Width: p.Width, Height: p.Height, PixelFormat: p.PixelFormat}
}

// AudioFormat returns the raw sample format of an audio source.
func (p SourceParams) AudioFormat() AudioFormat {
	return AudioFormat{SampleRate: p.SampleRate, Channels: p.Channels, SampleFormat: p.SampleFormat}
}

// EncoderParams configures an encoder. After opening, Encoder.Params
// reports the values the encoder actually settled on.
type EncoderParams struct {
	Kind    Kind
	Codec   string // FFmpeg encoder name (mpeg4, libx264, aac, libopus...)
	BitRate int64

	// Video
	Width       int
	Height      int
	PixelFormat string
	FrameRate   int
	GOPSize     int
	MaxBFrames  int

	// Audio
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat

	// GlobalHeader places codec configuration in extradata instead of
	// in-band, required by containers such as MP4 and Matroska.
	GlobalHeader bool
}

// VideoFormat returns the raw picture format the encoder consumes.
func (p EncoderParams) VideoFormat() VideoFormat {
	return VideoFormat{Width: p.Width, Height: p.Height, PixelFormat: p.PixelFormat}
}

// AudioFormat returns the raw sample format the encoder consumes.
func (p EncoderParams) AudioFormat() AudioFormat {
	return AudioFormat{SampleRate: p.SampleRate, Channels: p.Channels, SampleFormat: p.SampleFormat}
}

// Source is a capture input delivering units of one stream kind.
type Source interface {
	// Read blocks until the next unit is available, ctx is done or the
	// source ends (ErrEndOfStream).
	Read(ctx context.Context) (*Unit, error)
	Params() SourceParams
	Close() error
}

// Decoder turns input units into raw frames.
type Decoder interface {
	// Send queues one unit. A nil unit starts draining. ErrNeedMore means
	// the unit was not consumed: Receive until ErrNeedMore, then send it again.
	Send(u *Unit) error
	// Receive returns the next frame, ErrNeedMore or ErrEndOfStream.
	Receive() (Frame, error)
	TimeBase() timebase.Rational
	Close() error
}

// Scaler converts pictures between geometries and pixel formats.
type Scaler interface {
	// Convert returns a new frame; the input frame stays owned by the caller.
	Convert(f Frame) (Frame, error)
	Close() error
}

// Resampler converts audio between rates, layouts and sample formats.
type Resampler interface {
	// Resample converts f and returns the converted samples, possibly empty.
	Resample(f Frame) (Samples, error)
	// Flush returns the samples still buffered inside the resampler.
	Flush() (Samples, error)
	Close() error
}

// Encoder turns raw frames into packets.
type Encoder interface {
	// SendFrame queues a frame. A nil frame starts draining. ErrNeedMore
	// means f was not consumed: drain ReceivePacket, then send f again.
	SendFrame(f Frame) error
	// ReceivePacket returns the next packet, ErrNeedMore or ErrEndOfStream.
	ReceivePacket() (*Packet, error)
	// FrameSize is the fixed number of samples per audio frame, 0 when the
	// encoder accepts any size.
	FrameSize() int
	TimeBase() timebase.Rational
	Params() EncoderParams
	ExtraData() []byte
	// AudioFrame builds an encoder-format frame from s with the given PTS.
	AudioFrame(s Samples, pts int64) (Frame, error)
	Close() error
}

// ContainerWriter owns the output file.
type ContainerWriter interface {
	// AddStream registers the output of enc and returns its stream index.
	AddStream(enc Encoder) (int, error)
	// GlobalHeader reports whether encoders must be opened with GlobalHeader.
	GlobalHeader() bool
	// StreamTimeBase is final only after WriteHeader.
	StreamTimeBase(index int) timebase.Rational
	WriteHeader() error
	WritePacket(p *Packet) error
	WriteTrailer() error
	Close() error
}

// Engine opens codec handles.
type Engine interface {
	OpenDecoder(p SourceParams) (Decoder, error)
	OpenScaler(src, dst VideoFormat) (Scaler, error)
	OpenResampler(src, dst AudioFormat) (Resampler, error)
	OpenEncoder(p EncoderParams) (Encoder, error)
	OpenContainerWriter(path, formatHint string) (ContainerWriter, error)
}
