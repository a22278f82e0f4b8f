package widgets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/genesync-lab/genesync/internal/core/series"
	"github.com/genesync-lab/genesync/internal/observability/metrics"
	"github.com/genesync-lab/genesync/internal/portal"
	"golang.org/x/sync/errgroup"
)

// Widget identifies one independently-fetched portal data widget.
type Widget string

const (
	WidgetElectricityUsage   Widget = "electricity_usage"
	WidgetGasUsage           Widget = "gas_usage"
	WidgetPowerShoutInfo     Widget = "powershout_info"
	WidgetPowerShoutBalance  Widget = "powershout_balance"
	WidgetPowerShoutBookings Widget = "powershout_bookings"
	WidgetPowerShoutOffers   Widget = "powershout_offers"
	WidgetPowerShoutExpiring Widget = "powershout_expiring_hours"
	WidgetBillingPlans       Widget = "billing_plans"
	WidgetBillSummary        Widget = "bill_summary"
	WidgetSidekick           Widget = "sidekick"
)

// DefaultSet is the full widget surface of a refresh pass.
func DefaultSet() []Widget {
	return []Widget{
		WidgetElectricityUsage,
		WidgetGasUsage,
		WidgetPowerShoutInfo,
		WidgetPowerShoutBalance,
		WidgetPowerShoutBookings,
		WidgetPowerShoutOffers,
		WidgetPowerShoutExpiring,
		WidgetBillingPlans,
		WidgetBillSummary,
		WidgetSidekick,
	}
}

// Result aggregates one fan-out pass. Each widget lands in exactly one of
// Readings/Payloads or Failures; a failed widget never aborts the others.
type Result struct {
	Readings map[series.Fuel][]series.Reading
	Payloads map[Widget]json.RawMessage
	Failures map[Widget]error
}

// FailureReasons renders the failure map for reports and logs.
func (r *Result) FailureReasons() map[string]string {
	if len(r.Failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Failures))
	for w, err := range r.Failures {
		out[string(w)] = err.Error()
	}
	return out
}

// Fetcher issues one request per widget concurrently, each under an
// independent timeout well below the scheduling interval.
type Fetcher struct {
	client        *portal.Client
	widgetTimeout time.Duration
	usageWindow   int // trailing days covered by usage widgets
	now           func() time.Time
}

// NewFetcher builds a fetcher. usageWindowDays is the trailing window the
// usage widgets request at HOURLY resolution.
func NewFetcher(client *portal.Client, widgetTimeout time.Duration, usageWindowDays int) *Fetcher {
	if usageWindowDays <= 0 {
		usageWindowDays = 4
	}
	return &Fetcher{
		client:        client,
		widgetTimeout: widgetTimeout,
		usageWindow:   usageWindowDays,
		now:           time.Now,
	}
}

// FetchAll fans out over the requested widgets. The returned result always
// covers every requested widget; there is no short-circuit on failure.
// A widget that fails with a 401 gets exactly one retry against a fresh
// session (the stale session is invalidated for everyone first).
func (f *Fetcher) FetchAll(ctx context.Context, requested []Widget) *Result {
	res := &Result{
		Readings: make(map[series.Fuel][]series.Reading),
		Payloads: make(map[Widget]json.RawMessage),
		Failures: make(map[Widget]error),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range requested {
		widget := w
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(gctx, f.widgetTimeout)
			defer cancel()

			started := f.now()
			readings, payload, err := f.fetchOne(wctx, widget)
			if errors.Is(err, portal.ErrUnauthorized) {
				// Session was invalidated by the failed call; one retry only.
				slog.Debug("[Widgets] Retrying after 401", "widget", widget)
				readings, payload, err = f.fetchOne(wctx, widget)
			}
			metrics.ObserveWidgetFetch(string(widget), f.now().Sub(started), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures[widget] = err
				return nil
			}
			if payload != nil {
				res.Payloads[widget] = payload
			}
			for fuel, r := range readings {
				res.Readings[fuel] = append(res.Readings[fuel], r...)
			}
			return nil
		})
	}

	// Workers only ever return nil; failures are collected per widget.
	g.Wait()

	if len(res.Failures) > 0 {
		slog.Warn("[Widgets] Fetch pass completed with failures",
			"requested", len(requested),
			"failed", len(res.Failures),
			"failures", res.FailureReasons())
	}
	return res
}

// fetchOne dispatches a single widget request.
func (f *Fetcher) fetchOne(ctx context.Context, w Widget) (map[series.Fuel][]series.Reading, json.RawMessage, error) {
	switch w {
	case WidgetElectricityUsage:
		return f.fetchUsage(ctx, series.FuelElectricity)
	case WidgetGasUsage:
		return f.fetchUsage(ctx, series.FuelGas)
	case WidgetPowerShoutInfo:
		return f.raw(ctx, f.client.PowerShoutInfo)
	case WidgetPowerShoutBalance:
		return f.raw(ctx, f.client.PowerShoutBalance)
	case WidgetPowerShoutBookings:
		return f.raw(ctx, f.client.PowerShoutBookings)
	case WidgetPowerShoutOffers:
		return f.raw(ctx, f.client.PowerShoutOffers)
	case WidgetPowerShoutExpiring:
		return f.raw(ctx, f.client.PowerShoutExpiringHours)
	case WidgetBillingPlans:
		return f.raw(ctx, f.client.BillingPlans)
	case WidgetBillSummary:
		return f.raw(ctx, f.client.WidgetBillSummary)
	case WidgetSidekick:
		return f.raw(ctx, f.client.WidgetSidekick)
	default:
		return nil, nil, fmt.Errorf("unknown widget %q", w)
	}
}

func (f *Fetcher) raw(ctx context.Context, fetch func(context.Context) (json.RawMessage, error)) (map[series.Fuel][]series.Reading, json.RawMessage, error) {
	payload, err := fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, payload, nil
}

func (f *Fetcher) fetchUsage(ctx context.Context, fuel series.Fuel) (map[series.Fuel][]series.Reading, json.RawMessage, error) {
	end := f.now()
	start := end.AddDate(0, 0, -f.usageWindow)

	usage, raw, err := f.client.UsageForFuel(ctx, fuel, start, end)
	if err != nil {
		return nil, nil, err
	}

	readings, skipped := usage.Readings(fuel)
	if skipped > 0 {
		slog.Warn("[Widgets] Skipped malformed usage entries", "fuel", fuel, "skipped", skipped)
	}
	return map[series.Fuel][]series.Reading{fuel: readings}, raw, nil
}
