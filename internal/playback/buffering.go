// Package playback decides when a session must buffer and drives the player state machine.
package playback

import (
	"cmp"
	"slices"
	"time"

	"video-chunk-pipeline/internal/models"
)

// Thresholds controls how much lead time a session needs before it may keep playing.
type Thresholds struct {
	MinBufferSeconds  float64
	ThresholdFraction float64
	FloorSeconds      float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinBufferSeconds: 5, ThresholdFraction: 0.1, FloorSeconds: 1}
}

// Policy is the buffering configuration a player runs its tick loop with.
type Policy struct {
	Thresholds
	TickInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Thresholds: DefaultThresholds(), TickInterval: 250 * time.Millisecond}
}

// Threshold is min(MinBufferSeconds, duration*ThresholdFraction), never below FloorSeconds.
func (t Thresholds) Threshold(duration float64) float64 {
	return max(t.FloorSeconds, min(t.MinBufferSeconds, duration*t.ThresholdFraction))
}

// NeedsBuffering reports whether playback at current must stall for more data. Touching or
// overlapping ranges count as one contiguous buffer.
func NeedsBuffering(current, duration float64, ranges []models.TimeRange, t Thresholds) bool {
	for _, r := range merge(ranges) {
		if current < r.Start || current > r.End {
			continue
		}
		if duration > 0 && r.End >= duration {
			return false
		}
		return r.End-current < t.Threshold(duration)
	}
	return true
}

// BufferProgress is the buffered share of the media as a percentage. It is for display only.
func BufferProgress(ranges []models.TimeRange, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	var total float64
	for _, r := range merge(ranges) {
		total += r.End - r.Start
	}
	return min(100, total/duration*100)
}

// merge returns the non-empty ranges sorted by start with touching and overlapping ones joined.
func merge(ranges []models.TimeRange) []models.TimeRange {
	out := make([]models.TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if r.End > r.Start {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b models.TimeRange) int { return cmp.Compare(a.Start, b.Start) })
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
