// Package timebase converts timestamps between rational time units.
//
// Every stage of the capture pipeline speaks its own time base: the capture
// source (nanoseconds for GStreamer, the device stream base for avdevice), the
// decoder, the encoder (1/fps or 1/sample_rate) and the container stream
// (decided by the container at header time). Rescale is the only way
// timestamps cross those boundaries.
package timebase

import (
	"fmt"
	"math"
	"math/big"
)

// NoPTS marks an unset timestamp. It has the same bit pattern as FFmpeg's
// AV_NOPTS_VALUE so values can cross the engine boundary unchanged.
const NoPTS int64 = math.MinInt64

// Rational is a time unit expressed as Num/Den seconds.
type Rational struct {
	Num int
	Den int
}

// Common time bases.
var (
	Nanosecond  = Rational{Num: 1, Den: 1_000_000_000}
	Microsecond = Rational{Num: 1, Den: 1_000_000}
	Millisecond = Rational{Num: 1, Den: 1_000}
	MPEG        = Rational{Num: 1, Den: 90_000}
)

// New returns num/den.
func New(num, den int) Rational {
	return Rational{Num: num, Den: den}
}

// FrameRate returns the time base of a stream running at fps frames per second.
func FrameRate(fps int) Rational {
	return Rational{Num: 1, Den: fps}
}

// SampleRate returns the time base of an audio stream sampled at rate Hz.
func SampleRate(rate int) Rational {
	return Rational{Num: 1, Den: rate}
}

// Valid reports whether r can be used as a time base.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float returns the time base in seconds.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts ts from unit src to unit dst, rounding to nearest with
// halfway cases away from zero. NoPTS is passed through.
func Rescale(ts int64, src, dst Rational) int64 {
	if ts == NoPTS {
		return NoPTS
	}
	if src == dst {
		return ts
	}
	n, d := scale(ts, src, dst)
	if d.Sign() == 0 {
		return 0
	}
	half := new(big.Int).Quo(new(big.Int).Abs(d), big.NewInt(2))
	if (n.Sign() < 0) != (d.Sign() < 0) {
		n.Sub(n, half)
	} else {
		n.Add(n, half)
	}
	return n.Quo(n, d).Int64()
}

// Duration converts ts in unit r to nanoseconds.
func Duration(ts int64, r Rational) int64 {
	return Rescale(ts, r, Nanosecond)
}

// Compare compares a in unit ra with b in unit rb and returns -1, 0 or 1.
func Compare(a int64, ra Rational, b int64, rb Rational) int {
	lhs := new(big.Int).Mul(big.NewInt(a), big.NewInt(int64(ra.Num)*int64(rb.Den)))
	rhs := new(big.Int).Mul(big.NewInt(b), big.NewInt(int64(rb.Num)*int64(ra.Den)))
	return lhs.Cmp(rhs)
}

// scale returns the numerator ts*src.Num*dst.Den and the denominator
// src.Den*dst.Num of the conversion.
func scale(ts int64, src, dst Rational) (*big.Int, *big.Int) {
	n := new(big.Int).Mul(big.NewInt(ts), big.NewInt(int64(src.Num)*int64(dst.Den)))
	d := big.NewInt(int64(src.Den) * int64(dst.Num))
	return n, d
}
