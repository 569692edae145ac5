// Package metrics defines the Prometheus instruments of the aggregation
// pipeline and the read API.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Rejection reasons.
const (
	ReasonMalformed      = "malformed"
	ReasonUnattributable = "unattributable"
	ReasonUnknownEvent   = "unknown_event"
)

var (
	EventsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_analytics_events_fetched_total",
		Help: "Raw events read from the event source",
	})

	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_analytics_events_processed_total",
		Help: "Events attributed and aggregated, by event class",
	}, []string{"class"})

	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_analytics_events_rejected_total",
		Help: "Events skipped during a window, by reason",
	}, []string{"reason"})

	// ExtractorFallthrough counts extractions that matched a lower-priority
	// key variant. A rising series means upstream renamed a field.
	ExtractorFallthrough = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_analytics_extractor_fallthrough_total",
		Help: "Canonical fields resolved from a non-primary property key",
	}, []string{"field", "key"})

	UnknownListerType = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_analytics_unknown_lister_type_total",
		Help: "Lead actions skipped because the lister type could not be resolved",
	})

	RollupConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_analytics_rollup_conflicts_total",
		Help: "Optimistic version conflicts while applying rollup deltas",
	})

	RollupDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_analytics_rollup_deferred_total",
		Help: "Rollup deltas left pending after exhausting retries",
	})

	OrphanOutbound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_analytics_orphan_outbound_total",
		Help: "Outbound messages recorded before any lead existed for their key",
	})

	LeadsRescored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listing_analytics_leads_rescored_total",
		Help: "Lead scores recomputed",
	})

	WindowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "listing_analytics_window_duration_seconds",
		Help:    "Wall time to process and commit one aggregation window",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	WatermarkLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "listing_analytics_watermark_lag_seconds",
		Help: "Distance between now and the last finalized window end",
	})

	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_analytics_api_request_duration_seconds",
		Help:    "Read API latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

var registerOnce sync.Once

// Register adds all instruments to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EventsFetched,
			EventsProcessed,
			EventsRejected,
			ExtractorFallthrough,
			UnknownListerType,
			RollupConflicts,
			RollupDeferred,
			OrphanOutbound,
			LeadsRescored,
			WindowDuration,
			WatermarkLag,
			APIRequestDuration,
		)
	})
}

// RecordWatermark updates the lag gauge from a window end.
func RecordWatermark(windowEnd time.Time) {
	WatermarkLag.Set(time.Since(windowEnd).Seconds())
}

var pendingRollupsDesc = prometheus.NewDesc(
	"listing_analytics_rollup_pending",
	"Entities with rollup deltas not yet applied",
	nil,
	nil,
)

// PendingCounter reports the current depth of the rollup outbox.
type PendingCounter interface {
	CountPendingRollups(ctx context.Context) (int, error)
}

// PendingRollupCollector reads the rollup outbox depth on each scrape.
type PendingRollupCollector struct {
	Source  PendingCounter
	Timeout time.Duration
}

// Describe sends the metric descriptor to the channel.
func (c *PendingRollupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pendingRollupsDesc
}

// Collect queries the store and emits the outbox depth as a gauge.
func (c *PendingRollupCollector) Collect(ch chan<- prometheus.Metric) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := c.Source.CountPendingRollups(ctx)
	if err != nil {
		zap.L().Error("metrics: count pending rollups", zap.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(pendingRollupsDesc, prometheus.GaugeValue, float64(n))
}
