package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/listing-analytics/internal/attribution"
	"github.com/sells-group/listing-analytics/internal/extract"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
)

var at = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T) *attribution.Resolver {
	t.Helper()
	classes, err := model.NewClassRegistry(nil)
	require.NoError(t, err)
	return attribution.NewResolver(classes, extract.Default())
}

func driftEvents() []model.RawEvent {
	return []model.RawEvent{
		{ID: "1", Name: "property_view", OccurredAt: at, ActorKey: "abc", Properties: map[string]any{"listingId": "L1", "developerId": "D1"}},
		{ID: "2", Name: "property_view", OccurredAt: at, ActorKey: "x", Properties: map[string]any{"ListingID": "L2"}},
		{ID: "3", Name: "lead_phone", OccurredAt: at, ActorKey: "abc", Properties: map[string]any{"listing_id": "L1", "lister_id": "A1", "lister_type": "robot"}},
		{ID: "4", Name: "page_scroll", OccurredAt: at, ActorKey: "abc", Properties: map[string]any{}},
		{ID: "5", Name: "property_view", OccurredAt: at, PayloadError: "record 5: unexpected EOF"},
		{ID: "6", Name: "property_view", OccurredAt: at, Properties: map[string]any{"listing_id": "L3", "property_type": `["house","apartment"]`, "utm_source": "ad"}},
	}
}

func analyze(t *testing.T) *Report {
	t.Helper()
	a := NewAnalyzer(newTestResolver(t))
	for _, ev := range driftEvents() {
		a.Add(ev)
	}
	return a.Report()
}

func TestAnalyzerTotals(t *testing.T) {
	r := analyze(t)

	assert.Equal(t, int64(6), r.Events)
	assert.Equal(t, int64(3), r.Attributed)
	assert.Equal(t, int64(1), r.Rejected(metrics.ReasonUnattributable))
	assert.Equal(t, int64(1), r.Rejected(metrics.ReasonUnknownEvent))
	assert.Equal(t, int64(1), r.Malformed())
	assert.Equal(t, []Count{{Name: "page_scroll", Count: 1}}, r.UnknownEvents)
}

func TestAnalyzerClassGaps(t *testing.T) {
	r := analyze(t)

	view, ok := r.Class(string(model.ClassView))
	require.True(t, ok)
	assert.Equal(t, ClassGaps{
		Class:                "view",
		Events:               3,
		MissingListingID:     1,
		MissingListerID:      2,
		MissingSeekerID:      3,
		AnonymousSeeker:      1,
		UnresolvedListerType: 2,
		Rejected:             1,
	}, view)

	phone, ok := r.Class(string(model.ClassLeadPhone))
	require.True(t, ok)
	assert.Equal(t, int64(1), phone.Events)
	assert.Zero(t, phone.MissingListingID)
	assert.Zero(t, phone.MissingListerID)
	assert.Equal(t, int64(1), phone.UnresolvedListerType)

	_, ok = r.Class(unclassified)
	assert.True(t, ok)
}

func TestAnalyzerKeyVariants(t *testing.T) {
	r := analyze(t)

	assert.Equal(t, []KeyUsage{
		{Field: extract.FieldListerID, Key: "lister_id", Rank: 0, Count: 1},
		{Field: extract.FieldListerID, Key: "developerId", Rank: 5, Count: 1},
		{Field: extract.FieldListingID, Key: "listing_id", Rank: 0, Count: 2},
		{Field: extract.FieldListingID, Key: "listingId", Rank: 1, Count: 1},
		{Field: extract.FieldPropertyType, Key: "property_type", Rank: 0, Count: 1},
	}, r.KeyUsage)

	assert.Len(t, r.Fallthroughs(), 2)

	require.Len(t, r.NearMisses, 1)
	assert.Equal(t, NearMiss{Key: "ListingID", Field: extract.FieldListingID, KnownKey: "listing_id", Count: 1}, r.NearMisses[0])

	assert.Equal(t, []Count{{Name: "utm_source", Count: 1}}, r.UnmappedKeys)
	assert.Equal(t, []Count{{Name: "robot", Count: 1}}, r.ListerTypes)
	assert.Equal(t, []Count{{Name: "apartment", Count: 1}, {Name: "house", Count: 1}}, r.PropertyTypes)
}

func TestAnalyzerConcurrentAdds(t *testing.T) {
	a := NewAnalyzer(newTestResolver(t))
	done := make(chan struct{})
	for range 4 {
		go func() {
			defer func() { done <- struct{}{} }()
			for _, ev := range driftEvents() {
				a.Add(ev)
			}
		}()
	}
	for range 4 {
		<-done
	}
	assert.Equal(t, int64(24), a.Report().Events)
}

func writeExport(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range driftEvents() {
		if ev.PayloadError != "" {
			buf.WriteString("{\"event\": \"property_view\", \"properties\": \n")
			continue
		}
		props, err := json.Marshal(ev.Properties)
		require.NoError(t, err)
		line, err := json.Marshal(map[string]any{
			"uuid":        ev.ID,
			"event":       ev.Name,
			"timestamp":   ev.OccurredAt,
			"distinct_id": ev.ActorKey,
			"properties":  json.RawMessage(props),
		})
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "export.ndjson")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestAnalyzeFile(t *testing.T) {
	path := writeExport(t)

	r, err := AnalyzeFile(context.Background(), newTestResolver(t), path)
	require.NoError(t, err)
	assert.Equal(t, path, r.Source)
	assert.Equal(t, int64(6), r.Events)
	assert.Equal(t, int64(3), r.Attributed)
	assert.Equal(t, int64(1), r.Malformed())
	require.Len(t, r.NearMisses, 1)
	assert.Equal(t, "ListingID", r.NearMisses[0].Key)
}

func TestAnalyzeFileMissing(t *testing.T) {
	_, err := AnalyzeFile(context.Background(), newTestResolver(t), filepath.Join(t.TempDir(), "nope.ndjson"))
	assert.Error(t, err)
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, analyze(t).WriteText(&buf))
	out := buf.String()

	assert.Contains(t, out, "Events: 6")
	assert.Contains(t, out, "NO_LISTING")
	assert.Contains(t, out, "ListingID")
	assert.Contains(t, out, "page_scroll")
	assert.Contains(t, out, "utm_source")
	assert.True(t, strings.Contains(out, "unattributable"))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, analyze(t).WriteJSON(&buf))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, int64(6), decoded.Events)
	assert.Len(t, decoded.Classes, 3)
}

func TestSaveXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.xlsx")
	require.NoError(t, analyze(t).SaveXLSX(path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 8)

	classes, ok := f.Sheet["classes"]
	require.True(t, ok)
	require.Len(t, classes.Rows, 4)
	assert.Equal(t, "class", classes.Rows[0].Cells[0].String())

	near, ok := f.Sheet["near_misses"]
	require.True(t, ok)
	require.Len(t, near.Rows, 2)
	assert.Equal(t, "ListingID", near.Rows[1].Cells[0].String())
}
