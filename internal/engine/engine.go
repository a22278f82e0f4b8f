package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/genesync-lab/genesync/internal/core/storage"
	"github.com/genesync-lab/genesync/internal/observability/metrics"
	"github.com/genesync-lab/genesync/internal/portal"
	"github.com/genesync-lab/genesync/internal/widgets"
	"github.com/google/uuid"
)

// ErrRefreshInFlight is returned when a refresh trigger arrives while a
// pass is already running for this account. The trigger is coalesced:
// skipped, not queued.
var ErrRefreshInFlight = errors.New("engine: refresh pass already in flight")

// Options tune one account's engine.
type Options struct {
	// PassDeadline bounds a whole refresh pass; it must sit well under the
	// host's scheduling interval so passes can never overlap a trigger.
	PassDeadline time.Duration

	// BackfillChunkDays is the size of one historical request window.
	BackfillChunkDays int

	// BackfillChunkDelay spaces historical requests apart; the portal
	// rate-limits bursts.
	BackfillChunkDelay time.Duration
}

func (o Options) normalized() Options {
	if o.PassDeadline <= 0 {
		o.PassDeadline = 2 * time.Minute
	}
	if o.BackfillChunkDays <= 0 {
		o.BackfillChunkDays = 4
	}
	if o.BackfillChunkDelay < 0 {
		o.BackfillChunkDelay = 0
	}
	return o
}

// Engine runs refresh passes and backfills for one configured account.
// It is the sole writer of the account's statistic series.
type Engine struct {
	store   storage.SeriesStore
	fetcher *widgets.Fetcher
	client  *portal.Client
	account string
	opts    Options
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	// passMu is the exclusive per-account execution lock. Refresh passes
	// coalesce on it (TryLock); backfills queue on it (Lock).
	passMu sync.Mutex

	// seriesMu serializes merges per (fuel, metric) so refresh and
	// backfill can never observe divergent tails for the same series.
	seriesMu map[series.ID]*sync.Mutex

	snapMu       sync.Mutex
	lastSnapshot map[string]any
	lastRefresh  time.Time
}

// New builds an engine for one account.
func New(store storage.SeriesStore, fetcher *widgets.Fetcher, client *portal.Client, account string, opts Options) *Engine {
	locks := make(map[series.ID]*sync.Mutex)
	for _, fuel := range []series.Fuel{series.FuelElectricity, series.FuelGas} {
		for _, metric := range []series.Metric{series.MetricConsumption, series.MetricCost} {
			locks[series.ID{Fuel: fuel, Metric: metric}] = &sync.Mutex{}
		}
	}
	return &Engine{
		store:    store,
		fetcher:  fetcher,
		client:   client,
		account:  account,
		opts:     opts.normalized(),
		now:      time.Now,
		sleep:    sleepCtx,
		seriesMu: locks,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RefreshReport summarizes one refresh pass.
type RefreshReport struct {
	PassID        string            `json:"pass_id"`
	Account       string            `json:"account"`
	StartedAt     time.Time         `json:"started_at"`
	Duration      time.Duration     `json:"duration"`
	Appended      map[string]int    `json:"appended"`       // series id → points appended
	FailedWidgets map[string]string `json:"failed_widgets"` // widget → reason
	Snapshot      map[string]any    `json:"snapshot"`
}

// Refresh runs one synchronization pass: fan out over all widgets, merge
// every fuel's readings into its consumption and cost series, and distill
// the informational payloads into the attribute snapshot.
//
// A pass that exceeds its deadline is abandoned mid-fetch, but widget
// results that did complete are still merged rather than discarded.
func (e *Engine) Refresh(ctx context.Context) (*RefreshReport, error) {
	if !e.passMu.TryLock() {
		metrics.CountRefreshPass(nil, true)
		return nil, ErrRefreshInFlight
	}
	defer e.passMu.Unlock()

	passID := uuid.NewString()
	started := e.now()
	slog.Info("[Engine] Refresh pass starting", "pass_id", passID, "account", e.account)

	ctx, cancel := context.WithTimeout(ctx, e.opts.PassDeadline)
	defer cancel()

	result := e.fetcher.FetchAll(ctx, widgets.DefaultSet())

	report := &RefreshReport{
		PassID:        passID,
		Account:       e.account,
		StartedAt:     started,
		Appended:      make(map[string]int),
		FailedWidgets: result.FailureReasons(),
	}

	var firstMergeErr error
	for fuel, readings := range result.Readings {
		counts, err := e.mergeFuel(ctx, fuel, readings)
		if err != nil && firstMergeErr == nil {
			firstMergeErr = err
		}
		for id, n := range counts {
			report.Appended[id.String()] = n
		}
	}

	report.Snapshot = widgets.BuildSnapshot(result.Payloads, e.now())
	report.Duration = e.now().Sub(started)

	e.snapMu.Lock()
	if len(report.Snapshot) > 0 {
		e.lastSnapshot = report.Snapshot
	}
	e.lastRefresh = started
	e.snapMu.Unlock()

	metrics.CountRefreshPass(firstMergeErr, false)
	slog.Info("[Engine] Refresh pass complete",
		"pass_id", passID,
		"duration", report.Duration,
		"appended", report.Appended,
		"failed_widgets", len(report.FailedWidgets))

	if firstMergeErr != nil {
		return report, fmt.Errorf("refresh pass %s: %w", passID, firstMergeErr)
	}
	return report, nil
}

// mergeFuel merges one fuel's readings into both of its series.
func (e *Engine) mergeFuel(ctx context.Context, fuel series.Fuel, readings []series.Reading) (map[series.ID]int, error) {
	counts := make(map[series.ID]int, 2)
	var firstErr error
	for _, metric := range []series.Metric{series.MetricConsumption, series.MetricCost} {
		id := series.ID{Fuel: fuel, Metric: metric}
		n, err := e.mergeSeries(ctx, id, readings)
		if err != nil {
			slog.Error("[Engine] Merge failed", "series", id.String(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		counts[id] = n
	}
	return counts, firstErr
}

// mergeSeries appends whatever part of readings lies strictly beyond the
// series tail. Holding the per-series lock across the tail read and the
// append keeps the tail stable for the whole merge.
func (e *Engine) mergeSeries(ctx context.Context, id series.ID, readings []series.Reading) (int, error) {
	mu, ok := e.seriesMu[id]
	if !ok {
		return 0, fmt.Errorf("unknown series %s", id)
	}
	mu.Lock()
	defer mu.Unlock()

	tail, err := e.store.LastPoint(ctx, id)
	if err != nil {
		return 0, err
	}

	points := series.ComputeAppend(tail, readings, id.Metric)
	if len(points) == 0 {
		// Already recorded: normal on every incremental pass, not an error.
		slog.Debug("[Engine] No new points to merge", "series", id.String())
		return 0, nil
	}

	if err := e.store.AppendPoints(ctx, id, points); err != nil {
		return 0, err
	}
	metrics.CountPointsAppended(string(id.Fuel), string(id.Metric), len(points))
	return len(points), nil
}

// Snapshot returns the attribute snapshot from the most recent pass that
// produced one, with the time of the last pass.
func (e *Engine) Snapshot() (map[string]any, time.Time) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.lastSnapshot, e.lastRefresh
}
