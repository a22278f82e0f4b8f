package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/genesync-lab/genesync/internal/observability/metrics"
	"github.com/google/uuid"
)

// BackfillRequest asks for Days of history for one fuel, or "both".
type BackfillRequest struct {
	Fuel string `json:"fuel"`
	Days int    `json:"days"`
}

func (r BackfillRequest) fuels() ([]series.Fuel, error) {
	switch r.Fuel {
	case "both", "":
		return []series.Fuel{series.FuelElectricity, series.FuelGas}, nil
	case string(series.FuelElectricity):
		return []series.Fuel{series.FuelElectricity}, nil
	case string(series.FuelGas):
		return []series.Fuel{series.FuelGas}, nil
	default:
		return nil, fmt.Errorf("unknown fuel %q", r.Fuel)
	}
}

// FuelBackfill reports one fuel's share of a backfill run.
type FuelBackfill struct {
	RequestedDays       int `json:"requested_days"`
	ChunksFetched       int `json:"chunks_fetched"`
	ChunksFailed        int `json:"chunks_failed"`
	AppendedConsumption int `json:"appended_consumption"`
	AppendedCost        int `json:"appended_cost"`
}

// BackfillReport summarizes one backfill run.
type BackfillReport struct {
	RunID     string                   `json:"run_id"`
	Account   string                   `json:"account"`
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Fuels     map[string]*FuelBackfill `json:"fuels"`
}

// Backfill pulls historical usage back-to-front in small chunks and merges
// it through the same forward-only path as a refresh. Because series only
// grow forward, backfilling is only useful on a fresh or young store:
// history older than the current tail is skipped, never inserted.
//
// Backfill waits for any in-flight refresh pass rather than coalescing
// with it; the caller asked for history and should get it.
func (e *Engine) Backfill(ctx context.Context, req BackfillRequest) (*BackfillReport, error) {
	fuels, err := req.fuels()
	if err != nil {
		return nil, err
	}
	if req.Days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", req.Days)
	}

	e.passMu.Lock()
	defer e.passMu.Unlock()

	report := &BackfillReport{
		RunID:     uuid.NewString(),
		Account:   e.account,
		StartedAt: e.now(),
		Fuels:     make(map[string]*FuelBackfill, len(fuels)),
	}
	slog.Info("[Engine] Backfill starting",
		"run_id", report.RunID, "fuel", req.Fuel, "days", req.Days)

	for _, fuel := range fuels {
		fb, err := e.backfillFuel(ctx, fuel, req.Days)
		report.Fuels[string(fuel)] = fb
		if err != nil {
			report.Duration = e.now().Sub(report.StartedAt)
			return report, err
		}
	}

	metrics.CountBackfillRun()
	report.Duration = e.now().Sub(report.StartedAt)
	slog.Info("[Engine] Backfill complete",
		"run_id", report.RunID, "duration", report.Duration)
	return report, nil
}

// backfillFuel walks the requested window oldest-first so each chunk's
// readings extend the tail left behind by the previous one.
func (e *Engine) backfillFuel(ctx context.Context, fuel series.Fuel, days int) (*FuelBackfill, error) {
	fb := &FuelBackfill{RequestedDays: days}

	chunkDays := e.opts.BackfillChunkDays
	end := e.now()
	start := end.AddDate(0, 0, -days)

	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.AddDate(0, 0, chunkDays) {
		chunkEnd := chunkStart.AddDate(0, 0, chunkDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		usage, _, err := e.client.UsageForFuel(ctx, fuel, chunkStart, chunkEnd)
		if err != nil {
			if ctx.Err() != nil {
				return fb, ctx.Err()
			}
			// One bad chunk leaves a gap in history, not a broken series;
			// later chunks still merge cleanly past it.
			fb.ChunksFailed++
			slog.Warn("[Engine] Backfill chunk failed",
				"fuel", fuel, "start", chunkStart.Format("2006-01-02"), "error", err)
			continue
		}
		fb.ChunksFetched++

		readings, skipped := usage.Readings(fuel)
		if skipped > 0 {
			slog.Warn("[Engine] Skipped malformed usage entries",
				"fuel", fuel, "skipped", skipped)
		}

		n, err := e.mergeSeries(ctx, series.ID{Fuel: fuel, Metric: series.MetricConsumption}, readings)
		if err != nil {
			return fb, err
		}
		fb.AppendedConsumption += n

		n, err = e.mergeSeries(ctx, series.ID{Fuel: fuel, Metric: series.MetricCost}, readings)
		if err != nil {
			return fb, err
		}
		fb.AppendedCost += n

		if chunkStart.AddDate(0, 0, chunkDays).Before(end) {
			if err := e.sleep(ctx, e.opts.BackfillChunkDelay); err != nil {
				return fb, err
			}
		}
	}
	return fb, nil
}
