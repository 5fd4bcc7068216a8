// Package warmup measures the cadence of a capture source before recording.
//
// Units read during warmup are discarded. The statistics tell whether the
// screen grabber keeps up with the configured frame rate and whether the
// microphone delivers buffers at a steady pace.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// minUnits is the smallest sample that yields an interval statistic.
const minUnits = 2

// ErrUnstable is returned with the statistics when the cadence is unstable.
var ErrUnstable = errors.New("warmup: source cadence unstable")

// Run reads units from src for duration and returns their cadence.
//
// It returns an error if the source ends or fails, or if fewer than two
// units arrive. An unstable source returns the stats together with an error
// wrapping ErrUnstable so the caller can decide whether to proceed.
func Run(ctx context.Context, src media.Source, duration time.Duration) (*Stats, error) {
	kind := src.Params().Kind
	slog.Info("warmup: starting source warm-up",
		"stream", kind.String(),
		"duration", duration,
	)

	start := time.Now()
	arrivals := make([]time.Time, 0, 128)
	bytes := 0

	wctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for {
		u, err := src.Read(wctx)
		if err != nil {
			if wctx.Err() != nil && ctx.Err() == nil {
				break // window elapsed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("warmup: %s source failed during warm-up: %w", kind, err)
		}
		arrivals = append(arrivals, u.CapturedAt)
		bytes += len(u.Data)

		slog.Debug("warmup: unit received",
			"stream", kind.String(),
			"seq", u.Seq,
			"units_collected", len(arrivals),
		)
	}

	elapsed := time.Since(start)
	if len(arrivals) < minUnits {
		return nil, fmt.Errorf("warmup: not enough %s units received (got %d, need at least %d)",
			kind, len(arrivals), minUnits)
	}

	stats := CalculateStats(arrivals, elapsed)
	stats.Bytes = bytes

	slog.Info("warmup: source warm-up complete",
		"stream", kind.String(),
		"units", stats.Units,
		"duration", stats.Duration,
		"rate_mean", fmt.Sprintf("%.2f", stats.RateMean),
		"rate_stddev", fmt.Sprintf("%.2f", stats.RateStdDev),
		"rate_range", fmt.Sprintf("%.1f-%.1f", stats.RateMin, stats.RateMax),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		return stats, fmt.Errorf("%w (%s mean=%.2f/s, stddev=%.2f, jitter=%.3fs)",
			ErrUnstable, kind, stats.RateMean, stats.RateStdDev, stats.JitterMean)
	}
	return stats, nil
}
