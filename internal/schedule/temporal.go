package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/pipeline"
	"github.com/sells-group/listing-analytics/internal/rollup"
)

// WorkflowName is the registered name of PipelineWorkflow.
const WorkflowName = "ListingAnalyticsPipeline"

// Activities exposes a Job to Temporal.
type Activities struct {
	Job *Job
}

// RunPipeline processes every settled window after the watermark.
func (a *Activities) RunPipeline(ctx context.Context) (*pipeline.Summary, error) {
	activity.GetLogger(ctx).Info("running pipeline")
	return a.Job.Runner.Run(ctx)
}

// DrainRollups applies pending rollup deltas.
func (a *Activities) DrainRollups(ctx context.Context, limit int) (rollup.Result, error) {
	if a.Job.Rollups == nil {
		return rollup.Result{}, nil
	}
	return a.Job.Rollups.Drain(ctx, limit)
}

// PipelineWorkflow runs the pipeline and then drains the rollup outbox.
func PipelineWorkflow(ctx workflow.Context, drainLimit int) (*Result, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    3,
		},
	})
	logger := workflow.GetLogger(ctx)

	var a *Activities
	var sum pipeline.Summary
	if err := workflow.ExecuteActivity(ctx, a.RunPipeline).Get(ctx, &sum); err != nil {
		return nil, err
	}

	var drained rollup.Result
	if err := workflow.ExecuteActivity(ctx, a.DrainRollups, drainLimit).Get(ctx, &drained); err != nil {
		return nil, err
	}

	logger.Info("pipeline workflow complete",
		"windows", sum.Windows,
		"processed", sum.Stats.Processed,
		"rollups_applied", drained.Applied,
	)
	return &Result{Summary: &sum, Rollups: drained}, nil
}

// NewWorker registers the workflow and activities on the task queue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(PipelineWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(acts)
	return w
}

// EnsureSchedule creates the recurring schedule that starts PipelineWorkflow.
// An existing schedule with the same ID is left as is.
func EnsureSchedule(ctx context.Context, sc client.ScheduleClient, cfg config.TemporalConfig, drainLimit int) error {
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	_, err := sc.Create(ctx, client.ScheduleOptions{
		ID: cfg.ScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        cfg.ScheduleID + "-run",
			Workflow:  WorkflowName,
			Args:      []any{drainLimit},
			TaskQueue: cfg.TaskQueue,
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
		zap.L().Info("temporal schedule already exists", zap.String("schedule_id", cfg.ScheduleID))
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "schedule: create temporal schedule %s", cfg.ScheduleID)
	}
	zap.L().Info("temporal schedule created",
		zap.String("schedule_id", cfg.ScheduleID),
		zap.Duration("every", interval),
	)
	return nil
}

// Serve dials Temporal, ensures the schedule and runs a worker until ctx is
// cancelled.
func Serve(ctx context.Context, cfg config.TemporalConfig, job *Job) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return eris.Wrap(err, "schedule: dial temporal")
	}
	defer c.Close()

	if err := EnsureSchedule(ctx, c.ScheduleClient(), cfg, job.DrainLimit); err != nil {
		return err
	}

	w := NewWorker(c, cfg.TaskQueue, &Activities{Job: job})
	if err := w.Start(); err != nil {
		return eris.Wrap(err, "schedule: start temporal worker")
	}
	zap.L().Info("temporal worker started",
		zap.String("task_queue", cfg.TaskQueue),
		zap.String("namespace", cfg.Namespace),
	)

	<-ctx.Done()
	w.Stop()
	return nil
}
