package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/pipeline"
	"github.com/sells-group/listing-analytics/internal/reconcile"
	"github.com/sells-group/listing-analytics/internal/rollup"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Diagnostics and repair",
	Long:  "Schema drift reports over raw exports and authoritative rollup rebuilds.",
}

// -- reconcile drift --

var reconcileDriftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Report extraction gaps in a raw event export",
	Long: "Runs an export through the extractor and resolver and reports missing ids per class, " +
		"observed key variants and near misses. Reads no database and writes nothing.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		input, _ := cmd.Flags().GetString("input")
		format, _ := cmd.Flags().GetString("format")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")

		if input == "" {
			return eris.New("reconcile drift: --input is required")
		}
		if format != "text" && format != "json" {
			return eris.Errorf("reconcile drift: unknown format %q", format)
		}

		_, resolver, err := pipeline.NewResolver(cfg)
		if err != nil {
			return err
		}
		report, err := reconcile.AnalyzeFile(cmd.Context(), resolver, input)
		if err != nil {
			return err
		}

		if xlsxPath != "" {
			if err := report.SaveXLSX(xlsxPath); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %s\n", xlsxPath)
		}
		if format == "json" {
			return report.WriteJSON(os.Stdout)
		}
		return report.WriteText(os.Stdout)
	},
}

// -- reconcile rollups --

var reconcileRollupsCmd = &cobra.Command{
	Use:   "rollups",
	Short: "Rebuild rollups from bucket history",
	Long: "Overwrites each rollup with the sum of its entity's buckets and clears its pending delta. " +
		"Without --entity every entity with buckets is rebuilt.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		specs, _ := cmd.Flags().GetStringSlice("entity")
		refs, err := parseEntityRefs(specs)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		u := rollup.NewUpdater(st, cfg.Rollup)
		var rebuilt []model.Rollup
		if len(refs) == 0 {
			rebuilt, err = u.ReconcileAll(ctx)
		} else {
			rebuilt, err = u.Reconcile(ctx, refs)
		}
		if err != nil {
			return eris.Wrap(err, "reconcile rollups")
		}

		formatRollups(os.Stdout, rebuilt)
		return nil
	},
}

// parseEntityRefs parses kind:id pairs.
func parseEntityRefs(specs []string) ([]model.EntityRef, error) {
	refs := make([]model.EntityRef, 0, len(specs))
	for _, s := range specs {
		kind, id, ok := strings.Cut(s, ":")
		if !ok || id == "" {
			return nil, eris.Errorf("entity %q: want kind:id", s)
		}
		k, err := model.ParseEntityKind(kind)
		if err != nil {
			return nil, eris.Wrapf(err, "entity %q", s)
		}
		refs = append(refs, model.EntityRef{Kind: k, ID: id})
	}
	return refs, nil
}

func formatRollups(w io.Writer, rollups []model.Rollup) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tVIEWS\tUNIQUE\tIMPRESSIONS\tLEAD_ACTIONS\tUNIQUE_LEADS\tVERSION")
	for _, r := range rollups {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Entity, r.Counters.Views, r.Counters.UniqueViews, r.Counters.Impressions,
			r.Counters.LeadActions, r.Counters.UniqueLeads, r.Version)
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "\n%d rollups rebuilt\n", len(rollups))
}

func init() {
	reconcileDriftCmd.Flags().String("input", "", "JSON array or NDJSON export (optionally .gz)")
	reconcileDriftCmd.Flags().String("format", "text", "output format: text or json")
	reconcileDriftCmd.Flags().String("xlsx", "", "also write the report as an xlsx workbook")

	reconcileRollupsCmd.Flags().StringSlice("entity", nil, "entity to rebuild as kind:id (repeatable)")

	reconcileCmd.AddCommand(reconcileDriftCmd, reconcileRollupsCmd)
	rootCmd.AddCommand(reconcileCmd)
}
