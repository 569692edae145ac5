// Package monitoring watches run health and schema drift signals and posts
// webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	Pipeline string `json:"pipeline"`

	// Runs within the lookback window.
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailureRate  float64 `json:"failure_rate"`

	// Events across finished runs within the lookback window.
	EventsFetched  int64   `json:"events_fetched"`
	EventsRejected int64   `json:"events_rejected"`
	Unattributable int64   `json:"unattributable"`
	Malformed      int64   `json:"malformed"`
	RejectionRate  float64 `json:"rejection_rate"`
	RollupsStale   int64   `json:"rollups_stale"`

	PendingRollups int `json:"pending_rollups"`

	// Watermark is the last finalized window end; nil before the first run.
	Watermark    *time.Time    `json:"watermark,omitempty"`
	WatermarkLag time.Duration `json:"watermark_lag"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Querier is the store surface the collector reads.
type Querier interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	CountPendingRollups(ctx context.Context) (int, error)
	GetWatermark(ctx context.Context, pipeline string) (*model.Watermark, error)
}

// Collector gathers a snapshot from the run log and rollup outbox.
type Collector struct {
	store    Querier
	pipeline string
	now      func() time.Time
}

// NewCollector creates a collector for one pipeline.
func NewCollector(st Querier, pipeline string) *Collector {
	return &Collector{store: st, pipeline: pipeline, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		Pipeline:      c.pipeline,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		Pipeline: c.pipeline,
		Since:    now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:    10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunComplete:
			snap.RunsComplete++
		case model.RunFailed:
			snap.RunsFailed++
		case model.RunRunning:
			snap.RunsRunning++
			continue
		}
		snap.EventsFetched += r.Stats.Fetched
		snap.EventsRejected += r.Stats.Rejected()
		snap.Unattributable += r.Stats.Unattributable
		snap.Malformed += r.Stats.Malformed
		snap.RollupsStale += r.Stats.RollupsStale
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.EventsFetched > 0 {
		snap.RejectionRate = float64(snap.EventsRejected) / float64(snap.EventsFetched)
	}

	pending, err := c.store.CountPendingRollups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending rollups")
	}
	snap.PendingRollups = pending

	wm, err := c.store.GetWatermark(ctx, c.pipeline)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: load watermark")
	}
	if wm != nil {
		end := wm.WindowEnd
		snap.Watermark = &end
		snap.WatermarkLag = now.Sub(end)
	}

	return snap, nil
}
