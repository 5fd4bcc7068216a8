// Package mediatest provides in-memory implementations of the media engine
// contract for pipeline, muxer and recorder tests.
//
// The fakes do no real coding: decoders pass units through as frames,
// encoders emit one packet per frame, the resampler converts sample counts
// by the rate ratio and the container writer records what it is given.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

// Frame is an in-memory media.Frame.
type Frame struct {
	kind    media.Kind
	pts     int64
	samples int
	Data    []byte
	Audio   media.Samples

	mu       sync.Mutex
	released bool
}

// NewVideoFrame returns a video frame with the given PTS.
func NewVideoFrame(pts int64) *Frame {
	return &Frame{kind: media.KindVideo, pts: pts}
}

// NewAudioFrame returns an audio frame carrying s.
func NewAudioFrame(s media.Samples, pts int64) *Frame {
	return &Frame{kind: media.KindAudio, pts: pts, samples: s.Count, Audio: s}
}

func (f *Frame) Kind() media.Kind { return f.kind }

func (f *Frame) PTS() int64 { return f.pts }

func (f *Frame) SetPTS(pts int64) { f.pts = pts }

func (f *Frame) Samples() int { return f.samples }

func (f *Frame) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

// Released reports whether Release was called.
func (f *Frame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Engine is an in-memory media.Engine.
type Engine struct {
	// VideoDelay is the number of frames the video encoder buffers before
	// emitting its first packet, like an encoder with B-frames.
	VideoDelay int
	// AudioFrameSize is the fixed frame size of audio encoders, 1024 by default.
	AudioFrameSize int
	// EncodeErrAfter makes encoders fail on the frame after this many, 0 disables.
	EncodeErrAfter int
	// RefuseEvery makes decoders and encoders refuse every Nth send with
	// media.ErrNeedMore without consuming the input, 0 disables.
	RefuseEvery int
	// Writer is returned by OpenContainerWriter; a new one is created when nil.
	Writer *Writer

	mu       sync.Mutex
	Encoders []*Encoder
}

// OpenDecoder implements media.Engine.
func (e *Engine) OpenDecoder(p media.SourceParams) (media.Decoder, error) {
	if !p.TimeBase.Valid() {
		return nil, fmt.Errorf("mediatest: invalid source time base %v", p.TimeBase)
	}
	return &Decoder{params: p, refuseEvery: e.RefuseEvery}, nil
}

// OpenScaler implements media.Engine.
func (e *Engine) OpenScaler(src, dst media.VideoFormat) (media.Scaler, error) {
	if dst.Width <= 0 || dst.Height <= 0 {
		return nil, fmt.Errorf("mediatest: invalid scaler output %v", dst)
	}
	return &Scaler{}, nil
}

// OpenResampler implements media.Engine.
func (e *Engine) OpenResampler(src, dst media.AudioFormat) (media.Resampler, error) {
	if src.SampleRate <= 0 || dst.SampleRate <= 0 {
		return nil, fmt.Errorf("mediatest: invalid resampler rates %d -> %d", src.SampleRate, dst.SampleRate)
	}
	return &Resampler{src: src, dst: dst}, nil
}

// OpenEncoder implements media.Engine.
func (e *Engine) OpenEncoder(p media.EncoderParams) (media.Encoder, error) {
	enc := &Encoder{params: p, errAfter: e.EncodeErrAfter, refuseEvery: e.RefuseEvery}
	switch p.Kind {
	case media.KindVideo:
		if p.FrameRate <= 0 {
			return nil, fmt.Errorf("mediatest: invalid frame rate %d", p.FrameRate)
		}
		enc.tb = timebase.FrameRate(p.FrameRate)
		enc.delay = e.VideoDelay
	case media.KindAudio:
		if p.SampleRate <= 0 {
			return nil, fmt.Errorf("mediatest: invalid sample rate %d", p.SampleRate)
		}
		enc.tb = timebase.SampleRate(p.SampleRate)
		enc.frameSize = e.AudioFrameSize
		if enc.frameSize == 0 {
			enc.frameSize = 1024
		}
		if enc.params.SampleFormat.Name == "" {
			enc.params.SampleFormat = media.SampleFormatFLTP
		}
	}
	e.mu.Lock()
	e.Encoders = append(e.Encoders, enc)
	e.mu.Unlock()
	return enc, nil
}

// OpenContainerWriter implements media.Engine.
func (e *Engine) OpenContainerWriter(path, formatHint string) (media.ContainerWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Writer == nil {
		e.Writer = NewWriter()
	}
	e.Writer.Path = path
	e.Writer.Format = formatHint
	return e.Writer, nil
}

// Decoder passes every unit through as one frame.
type Decoder struct {
	params      media.SourceParams
	pending     []*Frame
	closed      bool
	drained     bool
	refuseEvery int
	calls       int

	// Refused counts sends answered with media.ErrNeedMore.
	Refused int
}

func (d *Decoder) Send(u *media.Unit) error {
	if d.closed {
		return media.ErrClosed
	}
	if u != nil && d.refuseEvery > 0 {
		d.calls++
		if d.calls%d.refuseEvery == 0 {
			d.Refused++
			return media.ErrNeedMore
		}
	}
	if u == nil {
		d.drained = true
		return nil
	}
	f := &Frame{kind: u.Kind, pts: u.PTS, Data: u.Data}
	if u.Kind == media.KindAudio {
		stride := d.params.SampleFormat.PlaneStride(d.params.Channels)
		if stride == 0 || len(u.Data)%stride != 0 {
			return fmt.Errorf("mediatest: %d bytes is not a whole number of samples", len(u.Data))
		}
		f.samples = len(u.Data) / stride
	}
	d.pending = append(d.pending, f)
	return nil
}

func (d *Decoder) Receive() (media.Frame, error) {
	if len(d.pending) == 0 {
		if d.drained {
			return nil, media.ErrEndOfStream
		}
		return nil, media.ErrNeedMore
	}
	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, nil
}

func (d *Decoder) TimeBase() timebase.Rational { return d.params.TimeBase }

func (d *Decoder) Close() error {
	d.closed = true
	return nil
}

// Scaler copies the input frame.
type Scaler struct {
	Converted int
}

func (s *Scaler) Convert(f media.Frame) (media.Frame, error) {
	s.Converted++
	return &Frame{kind: media.KindVideo, pts: f.PTS()}, nil
}

func (s *Scaler) Close() error { return nil }

// Resampler converts sample counts by dst/src rate, carrying the remainder
// across calls so that output chunk sizes vary like a real resampler's.
type Resampler struct {
	src, dst media.AudioFormat
	inTotal  int64
	outTotal int64
	flushed  bool
}

func (r *Resampler) Resample(f media.Frame) (media.Samples, error) {
	r.inTotal += int64(f.Samples())
	// Hold back a few samples until Flush, like a filter delay line.
	want := r.inTotal*int64(r.dst.SampleRate)/int64(r.src.SampleRate) - 16
	n := int(want - r.outTotal)
	if n < 0 {
		n = 0
	}
	r.outTotal += int64(n)
	return r.samples(n), nil
}

func (r *Resampler) Flush() (media.Samples, error) {
	if r.flushed {
		return r.samples(0), nil
	}
	r.flushed = true
	want := r.inTotal * int64(r.dst.SampleRate) / int64(r.src.SampleRate)
	n := int(want - r.outTotal)
	if n < 0 {
		n = 0
	}
	r.outTotal += int64(n)
	return r.samples(n), nil
}

func (r *Resampler) Close() error { return nil }

func (r *Resampler) samples(n int) media.Samples {
	f := r.dst.SampleFormat
	planes := make([][]byte, f.PlaneCount(r.dst.Channels))
	for i := range planes {
		planes[i] = make([]byte, n*f.PlaneStride(r.dst.Channels))
	}
	return media.Samples{Format: f, Channels: r.dst.Channels, Planes: planes, Count: n}
}

// Encoder emits one packet per frame, optionally after a delay.
type Encoder struct {
	params    media.EncoderParams
	tb        timebase.Rational
	frameSize int
	delay     int
	errAfter  int

	refuseEvery int
	calls       int
	refused     int

	mu       sync.Mutex
	queue    []*media.Packet
	buffered []*media.Packet
	frames   int
	draining bool
	FramePTS []int64
	closed   bool

	// Extra is returned by ExtraData.
	Extra []byte
}

func (e *Encoder) SendFrame(f media.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return media.ErrClosed
	}
	if f == nil {
		e.draining = true
		e.queue = append(e.queue, e.buffered...)
		e.buffered = nil
		return nil
	}
	if e.draining {
		return media.ErrEndOfStream
	}
	if e.errAfter > 0 && e.frames >= e.errAfter {
		return fmt.Errorf("mediatest: injected encode failure at frame %d", e.frames)
	}
	if e.params.Kind == media.KindAudio && f.Samples() != e.frameSize {
		return fmt.Errorf("mediatest: audio frame has %d samples, encoder needs %d", f.Samples(), e.frameSize)
	}
	if e.refuseEvery > 0 {
		e.calls++
		if e.calls%e.refuseEvery == 0 {
			e.refused++
			return media.ErrNeedMore
		}
	}

	e.frames++
	e.FramePTS = append(e.FramePTS, f.PTS())
	p := &media.Packet{
		Kind:     e.params.Kind,
		PTS:      f.PTS(),
		DTS:      f.PTS(),
		Duration: 1,
		Keyframe: e.params.Kind == media.KindAudio || e.params.GOPSize <= 1 || (e.frames-1)%e.params.GOPSize == 0,
		Data:     []byte{byte(e.frames)},
	}
	if e.params.Kind == media.KindAudio {
		p.Duration = int64(f.Samples())
	}
	e.buffered = append(e.buffered, p)
	if len(e.buffered) > e.delay {
		e.queue = append(e.queue, e.buffered[0])
		e.buffered = e.buffered[1:]
	}
	return nil
}

func (e *Encoder) ReceivePacket() (*media.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		if e.draining {
			return nil, media.ErrEndOfStream
		}
		return nil, media.ErrNeedMore
	}
	p := e.queue[0]
	e.queue = e.queue[1:]
	return p, nil
}

// Refused reports how many frames were answered with media.ErrNeedMore.
func (e *Encoder) Refused() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refused
}

func (e *Encoder) FrameSize() int { return e.frameSize }

func (e *Encoder) TimeBase() timebase.Rational { return e.tb }

func (e *Encoder) Params() media.EncoderParams { return e.params }

func (e *Encoder) ExtraData() []byte { return e.Extra }

func (e *Encoder) AudioFrame(s media.Samples, pts int64) (media.Frame, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return NewAudioFrame(s, pts), nil
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Frames returns the number of frames accepted so far.
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Writer records container operations.
type Writer struct {
	Path   string
	Format string

	// StreamTB is the time base the writer assigns to every stream, 1/90000 by default.
	StreamTB timebase.Rational
	// FailAfter makes WritePacket fail once this many packets were written, 0 disables.
	FailAfter int
	// WriteDelay is slept inside WritePacket to widen race windows in tests.
	WriteDelay time.Duration

	mu       sync.Mutex
	kinds    []media.Kind
	headers  int
	trailers int
	packets  []media.Packet
	writing  int
	overlap  bool
	closed   bool
}

// NewWriter returns an empty recording writer.
func NewWriter() *Writer {
	return &Writer{StreamTB: timebase.MPEG}
}

func (w *Writer) AddStream(enc media.Encoder) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.headers > 0 {
		return 0, fmt.Errorf("mediatest: stream added after header")
	}
	w.kinds = append(w.kinds, enc.Params().Kind)
	return len(w.kinds) - 1, nil
}

func (w *Writer) GlobalHeader() bool { return false }

func (w *Writer) StreamTimeBase(index int) timebase.Rational {
	return w.StreamTB
}

func (w *Writer) WriteHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.headers++
	return nil
}

func (w *Writer) WritePacket(p *media.Packet) error {
	w.mu.Lock()
	w.writing++
	if w.writing > 1 {
		w.overlap = true
	}
	if w.FailAfter > 0 && len(w.packets) >= w.FailAfter {
		w.writing--
		w.mu.Unlock()
		return fmt.Errorf("mediatest: injected write failure")
	}
	delay := w.WriteDelay
	w.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.writing--
	cp := *p
	cp.Data = append([]byte(nil), p.Data...)
	w.packets = append(w.packets, cp)
	return nil
}

func (w *Writer) WriteTrailer() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trailers++
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// Headers returns how many times WriteHeader was called.
func (w *Writer) Headers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.headers
}

// Trailers returns how many times WriteTrailer was called.
func (w *Writer) Trailers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trailers
}

// Streams returns the kinds of the registered streams in index order.
func (w *Writer) Streams() []media.Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]media.Kind(nil), w.kinds...)
}

// Packets returns copies of every written packet in write order.
func (w *Writer) Packets() []media.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]media.Packet(nil), w.packets...)
}

// PacketsOf returns the written packets of one kind in write order.
func (w *Writer) PacketsOf(kind media.Kind) []media.Packet {
	var out []media.Packet
	for _, p := range w.Packets() {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Overlapped reports whether two WritePacket calls ever ran at the same time.
func (w *Writer) Overlapped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overlap
}

// Closed reports whether Close was called.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Source produces units at a fixed interval until Limit is reached.
type Source struct {
	params   media.SourceParams
	interval time.Duration
	// Limit is the number of units produced before ErrEndOfStream, 0 is unlimited.
	Limit int
	// UnitSamples returns the sample count of audio unit i; 441 by default.
	UnitSamples func(i int) int

	mu     sync.Mutex
	seq    uint64
	pts    int64
	start  time.Time
	closed bool
}

// NewVideoSource returns a screen-like source of w x h BGRx pictures at fps
// with nanosecond timestamps.
func NewVideoSource(w, h, fps int) *Source {
	return &Source{
		params: media.SourceParams{
			Kind:        media.KindVideo,
			CodecName:   "rawvideo",
			TimeBase:    timebase.Nanosecond,
			Width:       w,
			Height:      h,
			PixelFormat: "bgr0",
			FrameRate:   fps,
		},
		interval: time.Second / time.Duration(fps),
	}
}

// NewAudioSource returns a microphone-like source of interleaved S16 PCM
// delivered every interval.
func NewAudioSource(rate, channels int, interval time.Duration) *Source {
	return &Source{
		params: media.SourceParams{
			Kind:         media.KindAudio,
			CodecName:    "pcm_s16le",
			TimeBase:     timebase.Nanosecond,
			SampleRate:   rate,
			Channels:     channels,
			SampleFormat: media.SampleFormatS16,
		},
		interval: interval,
	}
}

func (s *Source) Read(ctx context.Context) (*media.Unit, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, media.ErrClosed
	}
	if s.Limit > 0 && int(s.seq) >= s.Limit {
		s.mu.Unlock()
		return nil, media.ErrEndOfStream
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}
	next := s.start.Add(time.Duration(s.seq) * s.interval)
	s.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := &media.Unit{
		Kind:       s.params.Kind,
		Seq:        s.seq,
		PTS:        time.Since(s.start).Nanoseconds(),
		CapturedAt: time.Now(),
	}
	if s.params.Kind == media.KindAudio {
		n := 441
		if s.UnitSamples != nil {
			n = s.UnitSamples(int(s.seq))
		}
		u.Data = make([]byte, n*s.params.SampleFormat.PlaneStride(s.params.Channels))
	} else {
		u.Data = make([]byte, 16)
	}
	s.seq++
	return u, nil
}

func (s *Source) Params() media.SourceParams { return s.params }

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Produced returns the number of units read so far.
func (s *Source) Produced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.seq)
}

// ScriptSource returns a fixed list of units, then ends or blocks.
type ScriptSource struct {
	P     media.SourceParams
	Units []*media.Unit
	// Block makes Read wait for ctx once the script is exhausted instead of
	// returning ErrEndOfStream.
	Block bool

	mu   sync.Mutex
	next int
}

func (s *ScriptSource) Read(ctx context.Context) (*media.Unit, error) {
	s.mu.Lock()
	if s.next < len(s.Units) {
		u := s.Units[s.next]
		s.next++
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()

	if !s.Block {
		return nil, media.ErrEndOfStream
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *ScriptSource) Params() media.SourceParams { return s.P }

func (s *ScriptSource) Close() error { return nil }

// VideoUnits returns n video units spaced one frame apart at fps, with
// nanosecond timestamps.
func VideoUnits(n, fps int) []*media.Unit {
	units := make([]*media.Unit, n)
	for i := range units {
		units[i] = &media.Unit{
			Kind: media.KindVideo,
			Seq:  uint64(i),
			PTS:  int64(i) * int64(time.Second) / int64(fps),
			Data: make([]byte, 16),
		}
	}
	return units
}

// AudioUnits returns interleaved S16 units with the given sample counts.
func AudioUnits(rate, channels int, counts ...int) []*media.Unit {
	units := make([]*media.Unit, len(counts))
	var at int64
	for i, n := range counts {
		units[i] = &media.Unit{
			Kind: media.KindAudio,
			Seq:  uint64(i),
			PTS:  at * int64(time.Second) / int64(rate),
			Data: make([]byte, n*2*channels),
		}
		at += int64(n)
	}
	return units
}
