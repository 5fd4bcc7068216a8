package timebase

import (
	"math/rand"
	"testing"
	"testing/quick"
)

func TestRescale(t *testing.T) {
	tests := []struct {
		name string
		ts   int64
		src  Rational
		dst  Rational
		want int64
	}{
		{"identity", 1234, FrameRate(30), FrameRate(30), 1234},
		{"frames to mpeg clock", 30, FrameRate(30), MPEG, 90000},
		{"one frame at 25fps in ms", 1, FrameRate(25), Millisecond, 40},
		{"ns to 1/30 rounds half up", 50_000_000, Nanosecond, FrameRate(30), 2}, // 1.5 frames
		{"ns to 1/30 rounds down", 40_000_000, Nanosecond, FrameRate(30), 1},    // 1.2 frames
		{"negative rounds half away from zero", -50_000_000, Nanosecond, FrameRate(30), -2},
		{"samples 44.1k to 48k", 44100, SampleRate(44100), SampleRate(48000), 48000},
		{"aac frame to mpeg clock", 1024, SampleRate(48000), MPEG, 1920},
		{"zero", 0, Nanosecond, FrameRate(60), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rescale(tt.ts, tt.src, tt.dst)
			if got != tt.want {
				t.Errorf("Rescale(%d, %v, %v) = %d, want %d", tt.ts, tt.src, tt.dst, got, tt.want)
			}
		})
	}
}

func TestRescale_NoPTSPassesThrough(t *testing.T) {
	if got := Rescale(NoPTS, Nanosecond, FrameRate(30)); got != NoPTS {
		t.Errorf("Rescale(NoPTS) = %d, want NoPTS", got)
	}
}

func TestRescale_LargeValuesDoNotOverflow(t *testing.T) {
	// Ten days of nanoseconds into a 1/90000 clock overflows a naive int64 product.
	ts := int64(10 * 24 * 3600 * 1_000_000_000)
	got := Rescale(ts, Nanosecond, MPEG)
	want := int64(10 * 24 * 3600 * 90_000)
	if got != want {
		t.Errorf("Rescale = %d, want %d", got, want)
	}
}

// TestRescale_Monotonic checks that rescaling never reorders timestamps.
func TestRescale_Monotonic(t *testing.T) {
	bases := []Rational{Nanosecond, Microsecond, MPEG, FrameRate(30), FrameRate(25), SampleRate(44100), SampleRate(48000)}

	property := func(a, b int32, si, di uint8) bool {
		src := bases[int(si)%len(bases)]
		dst := bases[int(di)%len(bases)]
		x, y := int64(a), int64(b)
		if x > y {
			x, y = y, x
		}
		return Rescale(x, src, dst) <= Rescale(y, src, dst)
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 2000, Rand: rand.New(rand.NewSource(7))}); err != nil {
		t.Error(err)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a    int64
		ra   Rational
		b    int64
		rb   Rational
		want int
	}{
		{"equal instants", 1, FrameRate(25), 40, Millisecond, 0},
		{"video before audio", 1, FrameRate(30), 2048, SampleRate(48000), -1},
		{"video frame after one audio frame", 1, FrameRate(30), 1024, SampleRate(48000), 1},
		{"audio before video", 2048, SampleRate(48000), 1, FrameRate(30), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.ra, tt.b, tt.rb); got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRational(t *testing.T) {
	r := New(1, 30)
	if !r.Valid() {
		t.Error("1/30 should be valid")
	}
	if (Rational{}).Valid() {
		t.Error("zero rational should be invalid")
	}
	if got := New(1, 4).Float(); got != 0.25 {
		t.Errorf("Float = %v, want 0.25", got)
	}
	if got := (Rational{Num: 1}).Float(); got != 0 {
		t.Errorf("Float with zero den = %v, want 0", got)
	}
	if r.String() != "1/30" {
		t.Errorf("String = %q", r.String())
	}
	if got := Duration(3, FrameRate(30)); got != 100_000_000 {
		t.Errorf("Duration = %d, want 100ms", got)
	}
}
