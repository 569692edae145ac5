package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the window run log",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List window runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize window runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		filter.Limit = 10000

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(computeRunStats(runs))
	},
}

func runFilterFromFlags(cmd *cobra.Command) (store.RunFilter, error) {
	status, _ := cmd.Flags().GetString("status")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	f := store.RunFilter{
		Pipeline: cfg.Pipeline.Name,
		Status:   model.RunStatus(status),
		Limit:    limit,
	}
	switch f.Status {
	case "", model.RunRunning, model.RunComplete, model.RunFailed:
	default:
		return f, eris.Errorf("unknown run status %q", status)
	}
	if since > 0 {
		f.Since = time.Now().UTC().Add(-since)
	}
	return f, nil
}

func formatRunsList(w io.Writer, runs []model.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWINDOW\tSTATUS\tFETCHED\tPROCESSED\tREJECTED\tBUCKETS\tSTARTED\tERROR")
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		status := string(r.Status)
		if r.Replay {
			status += " (replay)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			id,
			r.WindowStart.UTC().Format("2006-01-02 15:04")+"→"+r.WindowEnd.UTC().Format("15:04"),
			status,
			r.Stats.Fetched,
			r.Stats.Processed,
			r.Stats.Rejected(),
			r.Stats.BucketsWritten,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			truncate(r.Error, 60),
		)
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type runStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	Events     model.RunStats `json:"events"`
	RejectRate float64        `json:"reject_rate"`
	// AvgDuration covers finished runs only.
	AvgDuration string     `json:"avg_duration"`
	LastWindow  *time.Time `json:"last_window_end,omitempty"`
}

func computeRunStats(runs []model.Run) runStats {
	out := runStats{Total: len(runs), ByStatus: make(map[string]int)}

	var (
		elapsed  time.Duration
		finished int
	)
	for _, r := range runs {
		out.ByStatus[string(r.Status)]++
		out.Events.Add(r.Stats)
		if r.CompletedAt != nil {
			elapsed += r.CompletedAt.Sub(r.StartedAt)
			finished++
		}
		if r.Status == model.RunComplete && !r.Replay {
			if out.LastWindow == nil || r.WindowEnd.After(*out.LastWindow) {
				end := r.WindowEnd
				out.LastWindow = &end
			}
		}
	}
	if out.Events.Fetched > 0 {
		out.RejectRate = float64(out.Events.Rejected()) / float64(out.Events.Fetched)
	}
	if finished > 0 {
		out.AvgDuration = (elapsed / time.Duration(finished)).Round(time.Millisecond).String()
	}
	return out
}

func init() {
	for _, c := range []*cobra.Command{runsListCmd, runsStatsCmd} {
		c.Flags().String("status", "", "filter by status: running, complete or failed")
		c.Flags().Duration("since", 0, "only runs started within this duration (e.g. 24h)")
	}
	runsListCmd.Flags().Int("limit", 50, "maximum runs to list")

	runsCmd.AddCommand(runsListCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}
