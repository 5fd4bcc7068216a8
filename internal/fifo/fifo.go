// Package fifo adapts variable-length blocks of audio samples to the fixed
// frame size an encoder requires.
//
// A SampleFIFO is owned by a single audio pipeline and is not safe for
// concurrent use.
package fifo

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// SampleFIFO is an ordered per-plane sample queue.
type SampleFIFO struct {
	format   media.SampleFormat
	channels int
	stride   int // bytes per sample in one plane
	planes   [][]byte
	count    int

	pushed uint64
	popped uint64
}

// New returns an empty FIFO for samples of the given format and channel count.
func New(format media.SampleFormat, channels int) (*SampleFIFO, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("fifo: invalid channel count %d", channels)
	}
	if format.BytesPerSample <= 0 {
		return nil, fmt.Errorf("fifo: invalid sample format %q", format.Name)
	}
	return &SampleFIFO{
		format:   format,
		channels: channels,
		stride:   format.PlaneStride(channels),
		planes:   make([][]byte, format.PlaneCount(channels)),
	}, nil
}

// Len returns the number of samples per channel currently queued.
func (f *SampleFIFO) Len() int {
	return f.count
}

// Format returns the sample format of the queued samples.
func (f *SampleFIFO) Format() media.SampleFormat {
	return f.format
}

// Push appends s to the queue. s must match the FIFO format and channel count.
func (f *SampleFIFO) Push(s media.Samples) error {
	if s.Count == 0 {
		return nil
	}
	if s.Format != f.format || s.Channels != f.channels {
		return fmt.Errorf("fifo: push %s/%dch into %s/%dch queue",
			s.Format, s.Channels, f.format, f.channels)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("fifo: %w", err)
	}

	n := s.Count * f.stride
	for i := range f.planes {
		f.planes[i] = append(f.planes[i], s.Planes[i][:n]...)
	}
	f.count += s.Count
	f.pushed += uint64(s.Count)
	return nil
}

// Pop removes exactly n samples from the front of the queue.
// It fails when fewer than n samples are queued.
func (f *SampleFIFO) Pop(n int) (media.Samples, error) {
	if n <= 0 {
		return media.Samples{}, fmt.Errorf("fifo: invalid pop size %d", n)
	}
	if n > f.count {
		return media.Samples{}, fmt.Errorf("fifo: pop %d samples, only %d queued", n, f.count)
	}

	size := n * f.stride
	out := media.Samples{
		Format:   f.format,
		Channels: f.channels,
		Planes:   make([][]byte, len(f.planes)),
		Count:    n,
	}
	for i, p := range f.planes {
		out.Planes[i] = append([]byte(nil), p[:size]...)
		// Shift in place so the backing array is reused across pops.
		rest := copy(p, p[size:])
		f.planes[i] = p[:rest]
	}
	f.count -= n
	f.popped += uint64(n)
	return out, nil
}

// PopPadded removes every queued sample and returns them extended with
// silence to exactly n samples. It fails when more than n samples are queued.
func (f *SampleFIFO) PopPadded(n int) (media.Samples, error) {
	if f.count > n {
		return media.Samples{}, fmt.Errorf("fifo: %d samples queued, exceeds padded size %d", f.count, n)
	}
	have := f.count
	out, err := f.popAll()
	if err != nil {
		return media.Samples{}, err
	}
	pad := (n - have) * f.stride
	for i := range out.Planes {
		out.Planes[i] = append(out.Planes[i], make([]byte, pad)...)
	}
	out.Count = n
	return out, nil
}

// Discard drops every queued sample and returns how many were dropped.
func (f *SampleFIFO) Discard() int {
	n := f.count
	for i := range f.planes {
		f.planes[i] = f.planes[i][:0]
	}
	f.count = 0
	f.popped += uint64(n)
	return n
}

// Totals returns the number of samples pushed and popped over the FIFO lifetime.
func (f *SampleFIFO) Totals() (pushed, popped uint64) {
	return f.pushed, f.popped
}

func (f *SampleFIFO) popAll() (media.Samples, error) {
	if f.count == 0 {
		return media.Samples{
			Format:   f.format,
			Channels: f.channels,
			Planes:   make([][]byte, len(f.planes)),
		}, nil
	}
	return f.Pop(f.count)
}
