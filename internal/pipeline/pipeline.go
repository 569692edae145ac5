// Package pipeline runs the aggregation batch: it claims windows from the
// watermark, fetches and attributes their events, reduces them into bucket
// contributions and lead actions, commits each window atomically, and then
// rescores leads and applies rollup deltas.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/aggregate"
	"github.com/sells-group/listing-analytics/internal/attribution"
	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/dedup"
	"github.com/sells-group/listing-analytics/internal/leads"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/rollup"
	"github.com/sells-group/listing-analytics/internal/source"
	"github.com/sells-group/listing-analytics/internal/store"
)

// Runner orchestrates aggregation runs.
type Runner struct {
	cfg      config.PipelineConfig
	store    store.Store
	source   source.Source
	classes  *model.ClassRegistry
	resolver *attribution.Resolver
	dedup    *dedup.Deduplicator
	agg      *aggregate.Aggregator
	leads    *leads.Engine
	rollups  *rollup.Updater
	now      func() time.Time
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store    store.Store
	Source   source.Source
	Classes  *model.ClassRegistry
	Resolver *attribution.Resolver
	Dedup    *dedup.Deduplicator
	Agg      *aggregate.Aggregator
	Leads    *leads.Engine
	Rollups  *rollup.Updater
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock overrides the time source used to claim windows.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(cfg config.PipelineConfig, deps Deps, opts ...Option) *Runner {
	if cfg.Name == "" {
		cfg.Name = "events"
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxWindows < 1 {
		cfg.MaxWindows = 1
	}
	r := &Runner{
		cfg:      cfg,
		store:    deps.Store,
		source:   deps.Source,
		classes:  deps.Classes,
		resolver: deps.Resolver,
		dedup:    deps.Dedup,
		agg:      deps.Agg,
		leads:    deps.Leads,
		rollups:  deps.Rollups,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Summary describes one call to Run or Replay.
type Summary struct {
	Pipeline string         `json:"pipeline"`
	From     time.Time      `json:"from"`
	To       time.Time      `json:"to"`
	Windows  int            `json:"windows"`
	Stats    model.RunStats `json:"stats"`
}

// Claim returns the range the next run should process: from the watermark
// up to the settled edge, capped at max_windows windows. An empty range means
// nothing has settled yet.
func (r *Runner) Claim(ctx context.Context) (model.Window, error) {
	size := r.cfg.Window()
	if size <= 0 {
		return model.Window{}, eris.New("pipeline: window size must be positive")
	}

	settled := r.now().Add(-r.cfg.SettleDelay()).Truncate(size)

	wm, err := r.store.GetWatermark(ctx, r.cfg.Name)
	if err != nil {
		return model.Window{}, eris.Wrap(err, "pipeline: load watermark")
	}

	var from time.Time
	switch {
	case wm != nil:
		from = wm.WindowEnd.UTC()
	case r.cfg.StartFrom != "":
		from, err = time.Parse(time.RFC3339, r.cfg.StartFrom)
		if err != nil {
			return model.Window{}, eris.Wrap(err, "pipeline: parse start_from")
		}
		from = from.UTC().Truncate(size)
	default:
		from = settled.Add(-size)
	}

	to := from.Add(time.Duration(r.cfg.MaxWindows) * size).Truncate(size)
	if to.After(settled) {
		to = settled
	}
	if !to.After(from) {
		return model.Window{Start: from, End: from}, nil
	}
	return model.Window{Start: from, End: to}, nil
}

// Run processes every settled window after the watermark. Each window is
// committed and advances the watermark on its own, so a run that stops early
// resumes from the last finalized window.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "pipeline.runner"), zap.String("pipeline", r.cfg.Name))

	claim, err := r.Claim(ctx)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Pipeline: r.cfg.Name, From: claim.Start, To: claim.End}
	if !claim.Valid() {
		log.Info("no settled window to process", zap.Time("watermark", claim.Start))
		return sum, nil
	}

	return sum, r.process(ctx, sum, claim, false)
}

// Replay reprocesses [from, to) without touching the watermark. The range is
// widened to whole windows and their contributions are replaced, so replaying
// is idempotent.
func (r *Runner) Replay(ctx context.Context, from, to time.Time) (*Summary, error) {
	requested := model.Window{Start: from.UTC(), End: to.UTC()}
	if !requested.Valid() {
		return nil, eris.Errorf("pipeline: replay range %s is empty", requested)
	}
	size := r.cfg.Window()
	if size <= 0 {
		return nil, eris.New("pipeline: window size must be positive")
	}
	claim := model.AlignWindow(requested.Start, requested.End, size)
	if !claim.Start.Equal(requested.Start) || !claim.End.Equal(requested.End) {
		zap.L().Info("replay range widened to whole windows",
			zap.String("component", "pipeline.runner"),
			zap.Stringer("requested", requested),
			zap.Stringer("aligned", claim),
		)
	}
	sum := &Summary{Pipeline: r.cfg.Name, From: claim.Start, To: claim.End}
	return sum, r.process(ctx, sum, claim, true)
}

func (r *Runner) process(ctx context.Context, sum *Summary, claim model.Window, replay bool) error {
	log := zap.L().With(zap.String("component", "pipeline.runner"), zap.String("pipeline", r.cfg.Name))

	windows, err := model.SplitWindows(claim.Start, claim.End, r.cfg.Window())
	if err != nil {
		return eris.Wrap(err, "pipeline: split windows")
	}
	log.Info("processing windows",
		zap.Time("from", claim.Start),
		zap.Time("to", claim.End),
		zap.Int("windows", len(windows)),
		zap.Bool("replay", replay),
	)

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats, err := r.runWindow(ctx, w, replay)
		sum.Stats.Add(stats)
		if err != nil {
			return err
		}
		sum.Windows++
	}

	log.Info("run complete",
		zap.Int("windows", sum.Windows),
		zap.Int64("fetched", sum.Stats.Fetched),
		zap.Int64("processed", sum.Stats.Processed),
		zap.Int64("rejected", sum.Stats.Rejected()),
		zap.Int64("buckets", sum.Stats.BucketsWritten),
	)
	return nil
}

// runWindow records one run-log row around processing w.
func (r *Runner) runWindow(ctx context.Context, w model.Window, replay bool) (model.RunStats, error) {
	run := &model.Run{
		ID:          uuid.NewString(),
		Pipeline:    r.cfg.Name,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		Replay:      replay,
		Status:      model.RunRunning,
		StartedAt:   time.Now().UTC(),
	}
	log := zap.L().With(
		zap.String("component", "pipeline.runner"),
		zap.String("run_id", run.ID),
		zap.Time("window_start", w.Start),
		zap.Time("window_end", w.End),
	)

	if err := r.store.StartRun(ctx, run); err != nil {
		return model.RunStats{}, eris.Wrapf(err, "pipeline: start run for %s", w)
	}

	start := time.Now()
	stats, err := r.processWindow(ctx, log, w, replay)
	elapsed := time.Since(start)
	metrics.WindowDuration.Observe(elapsed.Seconds())

	if err != nil {
		log.Error("window failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if logErr := r.store.FailRun(context.WithoutCancel(ctx), run.ID, stats, err.Error()); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return stats, err
	}

	if err := r.store.CompleteRun(ctx, run.ID, stats); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}
	if !replay {
		metrics.RecordWatermark(w.End)
	}

	log.Info("window complete",
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("processed", stats.Processed),
		zap.Int64("rejected", stats.Rejected()),
		zap.Int64("buckets", stats.BucketsWritten),
		zap.Int64("lead_actions", stats.LeadActions),
		zap.Int64("rollups_stale", stats.RollupsStale),
		zap.Duration("elapsed", elapsed),
	)
	return stats, nil
}

func (r *Runner) processWindow(ctx context.Context, log *zap.Logger, w model.Window, replay bool) (model.RunStats, error) {
	stats := model.RunStats{Windows: 1}

	events, cursor, err := source.Collect(ctx, r.source, source.Query{Window: w, Events: r.classes.EventNames()})
	if err != nil {
		return stats, eris.Wrapf(err, "pipeline: fetch %s", w)
	}
	stats.Fetched = int64(len(events))
	metrics.EventsFetched.Add(float64(len(events)))

	atts, err := r.resolve(ctx, log, w, events, &stats)
	if err != nil {
		return stats, err
	}

	out, err := r.agg.Reduce(ctx, r.dedup.Begin(w), atts)
	if err != nil {
		return stats, eris.Wrapf(err, "pipeline: reduce %s", w)
	}
	if out.UnknownListerType > 0 {
		metrics.UnknownListerType.Add(float64(out.UnknownListerType))
	}

	res, err := r.store.CommitWindow(ctx, &model.WindowBatch{
		Pipeline:         r.cfg.Name,
		Window:           w,
		Contributions:    out.Contributions,
		LeadActions:      out.LeadActions,
		Outbound:         out.Outbound,
		AdvanceWatermark: !replay,
		Cursor:           cursor,
	})
	if err != nil {
		return stats, eris.Wrapf(err, "pipeline: commit %s", w)
	}
	stats.BucketsWritten = int64(res.BucketsWritten)
	stats.LeadActions = int64(len(out.LeadActions))
	if res.OrphanOutbound > 0 {
		metrics.OrphanOutbound.Add(float64(res.OrphanOutbound))
		log.Debug("outbound messages without a lead", zap.Int("count", res.OrphanOutbound))
	}

	// The window is durable from here on. Scores and rollups are derived state
	// that the next run or the maintenance commands can rebuild.
	if r.cfg.RescoreInline && r.leads != nil && len(res.Leads) > 0 {
		n, err := r.leads.Rescore(ctx, res.Leads, w.End)
		stats.LeadsRescored = int64(n)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			log.Warn("inline rescore incomplete", zap.Error(err), zap.Int("rescored", n))
		}
	}

	rr, err := r.rollups.Apply(ctx, res.Entities)
	stats.RollupsApplied = int64(rr.Applied)
	stats.RollupsStale = int64(rr.Stale)
	if err != nil {
		return stats, eris.Wrapf(err, "pipeline: apply rollups for %s", w)
	}
	return stats, nil
}
