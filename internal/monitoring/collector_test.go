package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	runs      []model.Run
	pending   int
	watermark *model.Watermark

	listErr, pendingErr, wmErr error
	filter                     store.RunFilter
}

func (s *stubStore) ListRuns(_ context.Context, f store.RunFilter) ([]model.Run, error) {
	s.filter = f
	return s.runs, s.listErr
}

func (s *stubStore) CountPendingRollups(context.Context) (int, error) {
	return s.pending, s.pendingErr
}

func (s *stubStore) GetWatermark(context.Context, string) (*model.Watermark, error) {
	return s.watermark, s.wmErr
}

func newCollector(st Querier) *Collector {
	c := NewCollector(st, "events")
	c.now = func() time.Time { return now }
	return c
}

func run(status model.RunStatus, stats model.RunStats) model.Run {
	return model.Run{ID: "r", Pipeline: "events", Status: status, Stats: stats}
}

func TestCollect(t *testing.T) {
	st := &stubStore{
		runs: []model.Run{
			run(model.RunComplete, model.RunStats{Fetched: 80, Unattributable: 6, Malformed: 2}),
			run(model.RunComplete, model.RunStats{Fetched: 20, UnknownEvent: 2, RollupsStale: 1}),
			run(model.RunFailed, model.RunStats{}),
			run(model.RunRunning, model.RunStats{Fetched: 1000}),
		},
		pending:   7,
		watermark: &model.Watermark{Pipeline: "events", WindowEnd: now.Add(-2 * time.Hour)},
	}

	snap, err := newCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, "events", st.filter.Pipeline)
	assert.Equal(t, now.Add(-24*time.Hour), st.filter.Since)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 1.0/3.0, snap.FailureRate, 1e-9)

	// Running runs have not reported their totals yet.
	assert.Equal(t, int64(100), snap.EventsFetched)
	assert.Equal(t, int64(10), snap.EventsRejected)
	assert.Equal(t, int64(6), snap.Unattributable)
	assert.Equal(t, int64(2), snap.Malformed)
	assert.InDelta(t, 0.10, snap.RejectionRate, 1e-9)
	assert.Equal(t, int64(1), snap.RollupsStale)

	assert.Equal(t, 7, snap.PendingRollups)
	require.NotNil(t, snap.Watermark)
	assert.Equal(t, 2*time.Hour, snap.WatermarkLag)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollectEmpty(t *testing.T) {
	snap, err := newCollector(&stubStore{}).Collect(context.Background(), 6)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.RejectionRate)
	assert.Nil(t, snap.Watermark)
	assert.Equal(t, 6, snap.LookbackHours)
}

func TestCollectErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		st   *stubStore
		msg  string
	}{
		{"runs", &stubStore{listErr: boom}, "list runs"},
		{"pending", &stubStore{pendingErr: boom}, "count pending rollups"},
		{"watermark", &stubStore{wmErr: boom}, "load watermark"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCollector(tt.st).Collect(context.Background(), 24)
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
