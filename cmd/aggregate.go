package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-analytics/internal/pipeline"
	"github.com/sells-group/listing-analytics/internal/source"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Process settled windows once",
	Long: "Claims every settled window after the watermark and aggregates it. With --from and --to " +
		"the range is replayed instead and the watermark is left alone. With --input events are read " +
		"from an export file rather than the capture API.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")
		input, _ := cmd.Flags().GetString("input")

		replay := fromFlag != "" || toFlag != ""
		var from, to time.Time
		if replay {
			var err error
			if from, err = parseInstant(fromFlag); err != nil {
				return eris.Wrap(err, "aggregate: --from")
			}
			if to, err = parseInstant(toFlag); err != nil {
				return eris.Wrap(err, "aggregate: --to")
			}
		}

		mode := "aggregate"
		if input != "" {
			mode = "offline"
		}
		st, err := initStore(ctx, mode)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var src source.Source
		if input != "" {
			fs, err := source.LoadFile(ctx, input)
			if err != nil {
				return err
			}
			src = fs
		} else {
			src = source.NewCaptureAdapter(cfg.Source)
		}

		runner, err := pipeline.Build(ctx, cfg, st, src)
		if err != nil {
			return err
		}
		defer runner.Close() //nolint:errcheck

		var sum *pipeline.Summary
		if replay {
			sum, err = runner.Replay(ctx, from, to)
		} else {
			sum, err = runner.Run(ctx)
		}
		if sum != nil {
			if werr := writeSummary(os.Stdout, sum); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	},
}

// parseInstant accepts RFC3339 or a bare YYYY-MM-DD date (UTC midnight).
func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, eris.New("both --from and --to are required for a replay")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func writeSummary(w io.Writer, sum *pipeline.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func init() {
	aggregateCmd.Flags().String("from", "", "replay start (RFC3339 or YYYY-MM-DD)")
	aggregateCmd.Flags().String("to", "", "replay end, exclusive (RFC3339 or YYYY-MM-DD)")
	aggregateCmd.Flags().String("input", "", "read events from a JSON or NDJSON export (optionally .gz)")
	rootCmd.AddCommand(aggregateCmd)
}
