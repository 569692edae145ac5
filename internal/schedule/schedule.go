// Package schedule drives the pipeline periodically, either from an
// in-process ticker or from a Temporal schedule.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/pipeline"
	"github.com/sells-group/listing-analytics/internal/rollup"
	"github.com/sells-group/listing-analytics/internal/source"
)

// PipelineRunner processes every settled window after the watermark.
type PipelineRunner interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
}

// RollupDrainer applies pending rollup deltas.
type RollupDrainer interface {
	Drain(ctx context.Context, limit int) (rollup.Result, error)
}

// Result describes one tick.
type Result struct {
	Summary *pipeline.Summary `json:"summary"`
	Rollups rollup.Result     `json:"rollups"`
}

// Job is one scheduled unit of work: a pipeline run followed by a drain of
// the rollup outbox.
type Job struct {
	Runner     PipelineRunner
	Rollups    RollupDrainer
	DrainLimit int
}

// Once runs the pipeline and then drains rollups. The drain runs even when
// the pipeline failed so deltas from windows committed before the failure
// still land.
func (j *Job) Once(ctx context.Context) (*Result, error) {
	sum, runErr := j.Runner.Run(ctx)
	res := &Result{Summary: sum}
	if ctx.Err() != nil {
		return res, runErr
	}

	if j.Rollups != nil {
		drained, err := j.Rollups.Drain(ctx, j.DrainLimit)
		res.Rollups = drained
		if err != nil && runErr == nil {
			return res, eris.Wrap(err, "schedule: drain rollups")
		}
	}
	return res, runErr
}

// Loop runs a Job on a fixed interval.
type Loop struct {
	job        *Job
	interval   time.Duration
	runOnStart bool
}

// NewLoop creates a ticker loop from the worker config. The interval
// defaults to fifteen minutes.
func NewLoop(job *Job, cfg config.WorkerConfig) *Loop {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Loop{job: job, interval: interval, runOnStart: cfg.RunOnStart}
}

// Run blocks until ctx is cancelled. A failed tick is logged and the loop
// carries on; the watermark makes the next tick pick up where it stopped.
func (l *Loop) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "schedule.loop"))
	log.Info("starting worker loop",
		zap.Duration("interval", l.interval),
		zap.Bool("run_on_start", l.runOnStart),
	)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	if l.runOnStart {
		l.tick(ctx, log)
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("worker loop stopped")
			return nil
		case <-ticker.C:
			l.tick(ctx, log)
		}
	}
}

func (l *Loop) tick(ctx context.Context, log *zap.Logger) {
	start := time.Now()
	res, err := l.job.Once(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, source.ErrUnavailable):
		log.Warn("event source unavailable, will retry next tick", zap.Error(err))
		return
	case err != nil:
		log.Error("scheduled run failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("rollups_applied", res.Rollups.Applied),
		zap.Int("rollups_stale", res.Rollups.Stale),
	}
	if res.Summary != nil {
		fields = append(fields,
			zap.Int("windows", res.Summary.Windows),
			zap.Int64("processed", res.Summary.Stats.Processed),
		)
	}
	log.Info("scheduled run complete", fields...)
}
