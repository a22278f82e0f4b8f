package series

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ComputeAppend computes the batch of statistic points to append to a
// series whose last persisted point is tail (nil for an empty series).
//
// Readings at or before the tail timestamp are silently skipped: they
// cover periods already recorded, which is the expected overlap on every
// incremental refresh. The surviving readings are walked in ascending
// PeriodStart order, accumulating the cumulative sum from the tail.
//
// The returned slice is safe to persist as a single atomic batch; the
// series can only grow at its forward edge, so no existing point is ever
// rewritten and the cumulative sum stays non-decreasing for non-negative
// deltas. There is deliberately no path that inserts into the middle of
// a series: the portal never revises an already-recorded period.
func ComputeAppend(tail *StatisticPoint, readings []Reading, metric Metric) []StatisticPoint {
	if len(readings) == 0 {
		return nil
	}

	eligible := make([]Reading, 0, len(readings))
	for _, r := range readings {
		if tail != nil && !r.PeriodStart.After(tail.PeriodStart) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].PeriodStart.Before(eligible[j].PeriodStart)
	})

	running := decimal.Zero
	if tail != nil {
		running = tail.Sum
	}

	points := make([]StatisticPoint, 0, len(eligible))
	var prev *StatisticPoint
	for _, r := range eligible {
		// Duplicate timestamps within one batch collapse to the first
		// occurrence; the portal occasionally repeats the boundary hour
		// across request windows.
		if prev != nil && !r.PeriodStart.After(prev.PeriodStart) {
			continue
		}
		running = running.Add(r.Value(metric))
		points = append(points, StatisticPoint{
			PeriodStart: r.PeriodStart.UTC(),
			Delta:       r.Value(metric),
			Sum:         running,
		})
		prev = &points[len(points)-1]
	}
	return points
}
