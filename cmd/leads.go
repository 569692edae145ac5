package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-analytics/internal/leads"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Lead scoring maintenance",
}

var leadsRescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Recompute every lead's score and tier",
	Long:  "Recomputes every lead's score from its stored action history, for example after scoring weights change.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		batch, _ := cmd.Flags().GetInt("batch-size")

		scorer, err := leads.NewScorer(cfg.Scoring)
		if err != nil {
			return eris.Wrap(err, "leads rescore")
		}

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		now := time.Now().UTC()
		n, err := leads.NewEngine(st, scorer, cfg.Pipeline.Workers).RescoreAll(ctx, now, batch)
		if err != nil {
			return eris.Wrap(err, "leads rescore")
		}
		fmt.Fprintf(os.Stdout, "rescored %d leads at %s\n", n, now.Format(time.RFC3339))
		return nil
	},
}

func init() {
	leadsRescoreCmd.Flags().Int("batch-size", 500, "leads per page")
	leadsCmd.AddCommand(leadsRescoreCmd)
	rootCmd.AddCommand(leadsCmd)
}
