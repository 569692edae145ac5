package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var (
	day       = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	listingA  = model.EntityRef{Kind: model.EntityListing, ID: "L1"}
	agentA    = model.EntityRef{Kind: model.EntityAgentProfile, ID: "A1"}
	firstHour = model.Window{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)}
)

func contribution(ref model.EntityRef, c model.Counters) model.Contribution {
	return model.Contribution{Key: model.BucketKey{Entity: ref, Date: day, Hour: model.DailyBucket}, Counters: c}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_CommitWindow_WritesBucketsAndPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	res, err := st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events",
		Window:   firstHour,
		Contributions: []model.Contribution{
			contribution(listingA, model.Counters{Views: 3, UniqueViews: 2}),
			contribution(agentA, model.Counters{Views: 3, UniqueViews: 2}),
		},
		AdvanceWatermark: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.BucketsWritten)
	assert.ElementsMatch(t, []model.EntityRef{listingA, agentA}, res.Entities)

	rows, err := st.ListBuckets(ctx, listingA, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Views)
	assert.Equal(t, int64(2), rows[0].UniqueViews)
	assert.Equal(t, model.DailyBucket, rows[0].Hour)
	assert.True(t, rows[0].Date.Equal(day))

	n, err := st.CountPendingRollups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wm, err := st.GetWatermark(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.True(t, wm.WindowEnd.Equal(firstHour.End))
}

func TestSQLite_CommitWindow_ReplayIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	batch := &model.WindowBatch{
		Pipeline:      "events",
		Window:        firstHour,
		Contributions: []model.Contribution{contribution(listingA, model.Counters{Views: 5, Impressions: 7})},
	}
	_, err := st.CommitWindow(ctx, batch)
	require.NoError(t, err)
	applied, err := st.ApplyPendingRollup(ctx, listingA)
	require.NoError(t, err)
	assert.True(t, applied)

	// Same window again: buckets unchanged, no new pending delta.
	res, err := st.CommitWindow(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, res.Entities)

	sum, err := st.SumBuckets(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Views)
	assert.Equal(t, int64(7), sum.Impressions)

	n, err := st.CountPendingRollups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r, err := st.GetRollup(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.Counters.Views)
}

func TestSQLite_CommitWindow_ReplayWithCorrectedCounts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: firstHour,
		Contributions: []model.Contribution{contribution(listingA, model.Counters{Views: 5})},
	})
	require.NoError(t, err)
	_, err = st.ApplyPendingRollup(ctx, listingA)
	require.NoError(t, err)

	res, err := st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: firstHour,
		Contributions: []model.Contribution{contribution(listingA, model.Counters{Views: 4})},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.EntityRef{listingA}, res.Entities)

	_, err = st.ApplyPendingRollup(ctx, listingA)
	require.NoError(t, err)

	r, err := st.GetRollup(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.Counters.Views)

	sum, err := st.SumBuckets(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, r.Counters, sum)
}

func TestSQLite_CommitWindow_AdjacentWindowsAccumulate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	second := model.Window{Start: firstHour.End, End: firstHour.End.Add(time.Hour)}
	for _, w := range []model.Window{firstHour, second} {
		_, err := st.CommitWindow(ctx, &model.WindowBatch{
			Pipeline: "events", Window: w,
			Contributions: []model.Contribution{contribution(listingA, model.Counters{Views: 2})},
		})
		require.NoError(t, err)
	}

	sum, err := st.SumBuckets(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Views)

	rows, err := st.ListBuckets(ctx, listingA, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0].Views)
}

func TestSQLite_CommitWindow_InvalidWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.CommitWindow(context.Background(), &model.WindowBatch{
		Window: model.Window{Start: day, End: day},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid window")
}

func TestSQLite_RollupFastPathMatchesReconcile(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := range 3 {
		w := model.Window{Start: day.Add(time.Duration(i) * time.Hour), End: day.Add(time.Duration(i+1) * time.Hour)}
		_, err := st.CommitWindow(ctx, &model.WindowBatch{
			Pipeline: "events", Window: w,
			Contributions: []model.Contribution{contribution(agentA, model.Counters{Views: int64(i + 1), LeadActions: 1, LeadPhone: 1})},
		})
		require.NoError(t, err)
		applied, err := st.ApplyPendingRollup(ctx, agentA)
		require.NoError(t, err)
		assert.True(t, applied)
	}

	fast, err := st.GetRollup(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, int64(6), fast.Counters.Views)
	assert.Equal(t, int64(3), fast.Counters.LeadPhone)
	assert.Equal(t, int64(3), fast.Version)

	rec, err := st.ReconcileRollup(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, fast.Counters, rec.Counters)
	assert.Equal(t, int64(4), rec.Version)
}

func TestSQLite_ApplyPendingRollup_NothingPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	applied, err := st.ApplyPendingRollup(context.Background(), listingA)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSQLite_ReconcileRollup_ClearsPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: firstHour,
		Contributions: []model.Contribution{contribution(listingA, model.Counters{Views: 9})},
	})
	require.NoError(t, err)

	r, err := st.ReconcileRollup(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, int64(9), r.Counters.Views)

	n, err := st.CountPendingRollups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	refs, err := st.ListBucketEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.EntityRef{listingA}, refs)
}

func TestSQLite_GetRollup_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRollup(context.Background(), model.EntityRef{Kind: model.EntityDevelopment, ID: "D404"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_ConcurrentRollupApplies(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: firstHour,
		Contributions: []model.Contribution{contribution(listingA, model.Counters{Views: 10})},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.ApplyPendingRollup(ctx, listingA)
		}()
	}
	wg.Wait()

	r, err := st.GetRollup(ctx, listingA)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Counters.Views)
}

func leadKey(seeker string) model.LeadKey {
	return model.LeadKey{
		ListerID:    "A1",
		ListerType:  model.ListerAgent,
		SeekerID:    seeker,
		ListingID:   "L1",
		ContextType: model.ContextListing,
	}
}

func TestSQLite_Leads_UpsertAndContacted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	key := leadKey("S1")
	t1 := firstHour.Start.Add(5 * time.Minute)
	t2 := firstHour.Start.Add(20 * time.Minute)
	res, err := st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: firstHour,
		LeadActions: []model.LeadActionRecord{
			{Key: key, Action: model.LeadAction{EventID: "e2", Type: model.ActionWhatsApp, OccurredAt: t2}},
			{Key: key, Action: model.LeadAction{EventID: "e1", Type: model.ActionPhone, OccurredAt: t1}, IsLoggedIn: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{key.ID()}, res.Leads)
	assert.Zero(t, res.Contacted)

	lead, err := st.GetLead(ctx, key.ID())
	require.NoError(t, err)
	assert.Equal(t, model.LeadNew, lead.Status)
	assert.Equal(t, 2, lead.TotalActions)
	assert.True(t, lead.IsLoggedIn)
	assert.True(t, lead.FirstActionDate.Equal(t1))
	assert.True(t, lead.LastActionDate.Equal(t2))
	assert.Equal(t, key, lead.Key)

	actions, err := st.ListLeadActions(ctx, key.ID())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "e1", actions[0].EventID)

	second := model.Window{Start: firstHour.End, End: firstHour.End.Add(time.Hour)}
	res, err = st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: second,
		Outbound: []model.OutboundRecord{
			{Key: key, EventID: "o1", OccurredAt: second.Start.Add(time.Minute)},
			{Key: leadKey("ghost"), EventID: "o2", OccurredAt: second.Start.Add(time.Minute)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contacted)
	assert.Equal(t, 1, res.OrphanOutbound)

	lead, err = st.GetLead(ctx, key.ID())
	require.NoError(t, err)
	assert.Equal(t, model.LeadContacted, lead.Status)
	require.NotNil(t, lead.ContactedAt)
	assert.True(t, lead.ContactedAt.Equal(second.Start.Add(time.Minute)))

	// The earlier outbound message contacts the ghost lead once it exists.
	third := model.Window{Start: second.End, End: second.End.Add(time.Hour)}
	ghost := leadKey("ghost")
	res, err = st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: third,
		LeadActions: []model.LeadActionRecord{
			{Key: ghost, Action: model.LeadAction{EventID: "e3", Type: model.ActionEmail, OccurredAt: third.Start.Add(time.Minute)}},
			{Key: key, Action: model.LeadAction{EventID: "e4", Type: model.ActionEmail, OccurredAt: third.Start.Add(2 * time.Minute)}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contacted)

	lead, err = st.GetLead(ctx, ghost.ID())
	require.NoError(t, err)
	assert.Equal(t, model.LeadContacted, lead.Status)

	// A contacted lead is never moved again by the pipeline.
	lead, err = st.GetLead(ctx, key.ID())
	require.NoError(t, err)
	assert.Equal(t, model.LeadContacted, lead.Status)
}

func TestSQLite_Leads_ReplayDoesNotDoubleCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	key := leadKey("S1")
	batch := &model.WindowBatch{
		Pipeline: "events", Window: firstHour,
		LeadActions: []model.LeadActionRecord{
			{Key: key, Action: model.LeadAction{EventID: "e1", Type: model.ActionPhone, OccurredAt: firstHour.Start}},
		},
	}
	for range 2 {
		_, err := st.CommitWindow(ctx, batch)
		require.NoError(t, err)
	}

	lead, err := st.GetLead(ctx, key.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, lead.TotalActions)
}

func TestSQLite_Leads_ListAndScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var recs []model.LeadActionRecord
	for i, seeker := range []string{"S1", "S2", "S3"} {
		recs = append(recs, model.LeadActionRecord{
			Key:    leadKey(seeker),
			Action: model.LeadAction{EventID: "e" + seeker, Type: model.ActionEmail, OccurredAt: firstHour.Start.Add(time.Duration(i) * time.Minute)},
		})
	}
	_, err := st.CommitWindow(ctx, &model.WindowBatch{Pipeline: "events", Window: firstHour, LeadActions: recs})
	require.NoError(t, err)

	leads, err := st.ListLeads(ctx, LeadFilter{ListerID: "A1", ListerType: model.ListerAgent, Limit: 2})
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "S3", leads[0].Key.SeekerID)
	assert.Equal(t, "S2", leads[1].Key.SeekerID)

	other, err := st.ListLeads(ctx, LeadFilter{ListerID: "A1", ListerType: model.ListerAgency})
	require.NoError(t, err)
	assert.Empty(t, other)

	ids, err := st.ListLeadIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.IsIncreasing(t, ids)

	rest, err := st.ListLeadIDs(ctx, ids[0], 10)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], rest)

	scoredAt := firstHour.End
	require.NoError(t, st.UpdateLeadScore(ctx, ids[0], 42.5, model.TierMedium, scoredAt))
	lead, err := st.GetLead(ctx, ids[0])
	require.NoError(t, err)
	assert.InDelta(t, 42.5, lead.Score, 0.001)
	assert.Equal(t, model.TierMedium, lead.Tier)
	assert.True(t, lead.ScoredAt.Equal(scoredAt))

	err = st.UpdateLeadScore(ctx, "missing", 1, model.TierBase, scoredAt)
	assert.True(t, eris.Is(err, ErrNotFound))

	_, err = st.GetLead(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Watermark(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	wm, err := st.GetWatermark(ctx, "events")
	require.NoError(t, err)
	assert.Nil(t, wm)

	require.NoError(t, st.SetWatermark(ctx, model.Watermark{Pipeline: "events", WindowEnd: firstHour.End, Cursor: "c1"}))

	// An older window never moves the watermark backwards.
	_, err = st.CommitWindow(ctx, &model.WindowBatch{
		Pipeline: "events", Window: model.Window{Start: day, End: day.Add(time.Hour)}, AdvanceWatermark: true,
	})
	require.NoError(t, err)

	wm, err = st.GetWatermark(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.True(t, wm.WindowEnd.Equal(firstHour.End))
}

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok := &model.Run{Pipeline: "events", WindowStart: firstHour.Start, WindowEnd: firstHour.End}
	require.NoError(t, st.StartRun(ctx, ok))
	assert.NotEmpty(t, ok.ID)
	assert.Equal(t, model.RunRunning, ok.Status)
	require.NoError(t, st.CompleteRun(ctx, ok.ID, model.RunStats{Windows: 1, Processed: 10}))

	bad := &model.Run{Pipeline: "events", WindowStart: firstHour.End, WindowEnd: firstHour.End.Add(time.Hour), Replay: true, StartedAt: time.Now().Add(time.Minute)}
	require.NoError(t, st.StartRun(ctx, bad))
	require.NoError(t, st.FailRun(ctx, bad.ID, model.RunStats{Fetched: 3}, "source unavailable"))

	runs, err := st.ListRuns(ctx, RunFilter{Pipeline: "events"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, bad.ID, runs[0].ID)
	assert.True(t, runs[0].Replay)
	assert.Equal(t, model.RunFailed, runs[0].Status)
	assert.Equal(t, "source unavailable", runs[0].Error)
	require.NotNil(t, runs[0].CompletedAt)

	failed, err := st.ListRuns(ctx, RunFilter{Status: model.RunComplete})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(10), failed[0].Stats.Processed)

	err = st.CompleteRun(ctx, "missing", model.RunStats{})
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), configFor("mysql", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestOpen_SQLite(t *testing.T) {
	st, err := Open(context.Background(), configFor("sqlite", filepath.Join(t.TempDir(), "open.db")))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
}

func configFor(driver, dsn string) config.StoreConfig {
	return config.StoreConfig{Driver: driver, DatabaseURL: dsn}
}
