package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "genesync_"

const (
	resultSuccess   = "success"
	resultError     = "error"
	resultCoalesced = "coalesced"
)

var (
	registerOnce sync.Once

	refreshPasses   *prometheus.CounterVec
	backfillRuns    prometheus.Counter
	pointsAppended  *prometheus.CounterVec
	widgetFailures  *prometheus.CounterVec
	widgetFetchTime *prometheus.HistogramVec
)

// Init registers the engine's metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		refreshPasses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_passes_total",
				Help: "Refresh passes by result",
			},
			[]string{"result"},
		)
		backfillRuns = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "backfill_runs_total",
				Help: "Historical backfill runs",
			},
		)
		pointsAppended = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "points_appended_total",
				Help: "Statistic points appended by series",
			},
			[]string{"fuel", "metric"},
		)
		widgetFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "widget_failures_total",
				Help: "Widget fetch failures by widget",
			},
			[]string{"widget"},
		)
		widgetFetchTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "widget_fetch_seconds",
				Help:    "Widget fetch latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"widget"},
		)

		prometheus.MustRegister(
			refreshPasses,
			backfillRuns,
			pointsAppended,
			widgetFailures,
			widgetFetchTime,
		)
	})
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountRefreshPass records a completed, failed, or coalesced refresh pass.
func CountRefreshPass(err error, coalesced bool) {
	if refreshPasses == nil {
		return
	}
	switch {
	case coalesced:
		refreshPasses.WithLabelValues(resultCoalesced).Inc()
	case err != nil:
		refreshPasses.WithLabelValues(resultError).Inc()
	default:
		refreshPasses.WithLabelValues(resultSuccess).Inc()
	}
}

// CountBackfillRun records one backfill invocation.
func CountBackfillRun() {
	if backfillRuns == nil {
		return
	}
	backfillRuns.Inc()
}

// CountPointsAppended records appended statistic points for one series.
func CountPointsAppended(fuel, metric string, n int) {
	if pointsAppended == nil || n <= 0 {
		return
	}
	pointsAppended.WithLabelValues(fuel, metric).Add(float64(n))
}

// ObserveWidgetFetch records a widget fetch's latency and outcome.
func ObserveWidgetFetch(widget string, d time.Duration, ok bool) {
	if widgetFetchTime == nil {
		return
	}
	widgetFetchTime.WithLabelValues(widget).Observe(d.Seconds())
	if !ok {
		widgetFailures.WithLabelValues(widget).Inc()
	}
}
