package storage

import (
	"context"
	"errors"

	"github.com/genesync-lab/genesync/internal/core/series"
)

// ErrOutOfOrder is returned when an append batch would land at or before
// the series' current forward edge. The merger filters such points before
// they reach the store, so seeing this error means two writers raced
// without holding the per-series merge lock.
var ErrOutOfOrder = errors.New("append batch is not strictly after series tail")

// SeriesStore is the persistence boundary for cumulative statistic series.
// The append path is the only mutation the engine ever performs.
type SeriesStore interface {
	// LastPoint returns the series' current tail, or nil for an empty series.
	LastPoint(ctx context.Context, id series.ID) (*series.StatisticPoint, error)

	// AppendPoints persists a batch at the series' forward edge in a single
	// transaction: either every point lands or none do.
	AppendPoints(ctx context.Context, id series.ID, points []series.StatisticPoint) error

	// PointCount reports the number of persisted points for a series.
	PointCount(ctx context.Context, id series.ID) (int64, error)
}
