package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-analytics/internal/analytics"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analytics read API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}

		st, err := initStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		metrics.Register(prometheus.DefaultRegisterer)
		prometheus.MustRegister(&metrics.PendingRollupCollector{Source: st})

		srv := server.New(cfg.Server, analytics.NewService(st), st, prometheus.DefaultGatherer)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}
