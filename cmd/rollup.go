package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/rollup"
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Manage the rollup outbox",
}

var rollupDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Apply pending rollup deltas",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := rollup.NewUpdater(st, cfg.Rollup).Drain(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "rollup drain")
		}
		pending, err := st.CountPendingRollups(ctx)
		if err != nil {
			return eris.Wrap(err, "rollup drain: count pending")
		}

		zap.L().Info("rollup outbox drained",
			zap.Int("applied", res.Applied),
			zap.Int("stale", res.Stale),
			zap.Int("pending", pending),
		)
		fmt.Fprintf(os.Stdout, "applied=%d stale=%d pending=%d\n", res.Applied, res.Stale, pending)
		return nil
	},
}

func init() {
	rollupDrainCmd.Flags().Int("limit", 1000, "entities per outbox page")
	rollupCmd.AddCommand(rollupDrainCmd)
	rootCmd.AddCommand(rollupCmd)
}
