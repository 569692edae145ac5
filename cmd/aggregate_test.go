package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/pipeline"
	"github.com/sells-group/listing-analytics/internal/store"
)

func TestParseInstant(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2026-03-02T10:00:00Z", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), false},
		{"2026-03-02T12:00:00+02:00", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), false},
		{"2026-03-02", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"last tuesday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInstant(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	sum := &pipeline.Summary{Pipeline: "events", Windows: 2, Stats: model.RunStats{Fetched: 5, Processed: 4}}
	require.NoError(t, writeSummary(&buf, sum))

	var out pipeline.Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 2, out.Windows)
	assert.Equal(t, int64(4), out.Stats.Processed)
}

func writeEvents(t *testing.T, dir string) string {
	t.Helper()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	lines := []map[string]any{
		{"uuid": "e1", "event": "property_view", "timestamp": base.Add(5 * time.Minute), "distinct_id": "abc",
			"properties": map[string]any{"listingId": "L1", "developerId": "D1"}},
		{"uuid": "e2", "event": "property_view", "timestamp": base.Add(65 * time.Minute), "distinct_id": "xyz",
			"properties": map[string]any{"listing_id": "L1", "developer_id": "D1"}},
		{"uuid": "e3", "event": "page_scroll", "timestamp": base.Add(70 * time.Minute), "distinct_id": "xyz",
			"properties": map[string]any{"listing_id": "L1"}},
	}
	var buf bytes.Buffer
	for _, l := range lines {
		b, err := json.Marshal(l)
		require.NoError(t, err)
		buf.Write(b)
		buf.WriteByte('\n')
	}
	path := filepath.Join(dir, "export.ndjson")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestAggregateReplayFromExport(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	dbPath := filepath.Join(dir, "analytics.db")
	t.Setenv("LISTING_ANALYTICS_STORE_DRIVER", "sqlite")
	t.Setenv("LISTING_ANALYTICS_STORE_DATABASE_URL", dbPath)
	t.Setenv("LISTING_ANALYTICS_LOG_LEVEL", "error")

	input := writeEvents(t, dir)
	rootCmd.SetArgs([]string{"aggregate", "--input", input, "--from", "2026-03-02T10:00:00Z", "--to", "2026-03-02T12:00:00Z"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())

	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	ctx := context.Background()

	runs, err := st.ListRuns(ctx, store.RunFilter{Pipeline: "events"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, model.RunComplete, r.Status)
		assert.True(t, r.Replay)
	}

	// Replays never move the watermark.
	wm, err := st.GetWatermark(ctx, "events")
	require.NoError(t, err)
	assert.Nil(t, wm)

	rollup, err := st.GetRollup(ctx, model.EntityRef{Kind: model.EntityListing, ID: "L1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rollup.Counters.Views)
	assert.Equal(t, int64(2), rollup.Counters.UniqueViews)
}
