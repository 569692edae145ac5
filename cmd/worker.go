package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/monitoring"
	"github.com/sells-group/listing-analytics/internal/pipeline"
	"github.com/sells-group/listing-analytics/internal/rollup"
	"github.com/sells-group/listing-analytics/internal/schedule"
	"github.com/sells-group/listing-analytics/internal/source"
	"github.com/sells-group/listing-analytics/internal/store"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline on a schedule",
	Long: "Runs the pipeline and drains the rollup outbox every worker.interval_minutes. " +
		"With --temporal the schedule lives in Temporal and this process only hosts the worker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		useTemporal, _ := cmd.Flags().GetBool("temporal")
		metricsPort, _ := cmd.Flags().GetInt("metrics-port")
		drainLimit, _ := cmd.Flags().GetInt("drain-limit")

		st, err := initStore(ctx, "worker")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner, err := pipeline.Build(ctx, cfg, st, source.NewCaptureAdapter(cfg.Source))
		if err != nil {
			return err
		}
		defer runner.Close() //nolint:errcheck

		metrics.Register(prometheus.DefaultRegisterer)
		if metricsPort > 0 {
			go serveMetrics(ctx, metricsPort, st)
		}
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st, cfg.Pipeline.Name),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		job := &schedule.Job{
			Runner:     runner,
			Rollups:    rollup.NewUpdater(st, cfg.Rollup),
			DrainLimit: drainLimit,
		}
		if useTemporal {
			return schedule.Serve(ctx, cfg.Temporal, job)
		}
		return schedule.NewLoop(job, cfg.Worker).Run(ctx)
	},
}

// serveMetrics exposes /metrics for the worker process.
func serveMetrics(ctx context.Context, port int, st store.Store) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&metrics.PendingRollupCollector{Source: st})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close() //nolint:errcheck
	}()

	zap.L().Info("serving worker metrics", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.L().Error("worker metrics server failed", zap.Error(err))
	}
}

func init() {
	workerCmd.Flags().Bool("temporal", false, "host a Temporal worker and schedule instead of the in-process ticker")
	workerCmd.Flags().Int("metrics-port", 0, "serve /metrics on this port (0 disables)")
	workerCmd.Flags().Int("drain-limit", 1000, "entities per rollup outbox page")
	rootCmd.AddCommand(workerCmd)
}
