package rollup

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListPendingRollups(ctx context.Context, limit int) ([]model.EntityRef, error) {
	args := m.Called(ctx, limit)
	refs, _ := args.Get(0).([]model.EntityRef)
	return refs, args.Error(1)
}

func (m *mockStore) ApplyPendingRollup(ctx context.Context, ref model.EntityRef) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ReconcileRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error) {
	args := m.Called(ctx, ref)
	r, _ := args.Get(0).(*model.Rollup)
	return r, args.Error(1)
}

func (m *mockStore) ListBucketEntities(ctx context.Context) ([]model.EntityRef, error) {
	args := m.Called(ctx)
	refs, _ := args.Get(0).([]model.EntityRef)
	return refs, args.Error(1)
}

var (
	l1 = model.EntityRef{Kind: model.EntityListing, ID: "L1"}
	l2 = model.EntityRef{Kind: model.EntityListing, ID: "L2"}
)

func testConfig() config.RollupConfig {
	return config.RollupConfig{MaxRetries: 2, InitialDelayMs: 1, Workers: 2}
}

func TestApply_RetriesConflict(t *testing.T) {
	st := &mockStore{}
	st.On("ApplyPendingRollup", mock.Anything, l1).Return(false, store.ErrConflict).Once()
	st.On("ApplyPendingRollup", mock.Anything, l1).Return(true, nil).Once()

	before := testutil.ToFloat64(metrics.RollupConflicts)
	res, err := NewUpdater(st, testConfig()).Apply(context.Background(), []model.EntityRef{l1})
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: 1}, res)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RollupConflicts)-before, 0.001)
	st.AssertNumberOfCalls(t, "ApplyPendingRollup", 2)
}

func TestApply_ConflictExhaustionLeavesStale(t *testing.T) {
	st := &mockStore{}
	st.On("ApplyPendingRollup", mock.Anything, l1).Return(false, store.ErrConflict)
	st.On("ApplyPendingRollup", mock.Anything, l2).Return(true, nil)

	before := testutil.ToFloat64(metrics.RollupDeferred)
	res, err := NewUpdater(st, testConfig()).Apply(context.Background(), []model.EntityRef{l1, l2})
	require.NoError(t, err)
	assert.Equal(t, Result{Applied: 1, Stale: 1}, res)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RollupDeferred)-before, 0.001)
	st.AssertNumberOfCalls(t, "ApplyPendingRollup", 4) // 3 attempts for l1, 1 for l2
}

func TestApply_OtherErrorsAreNotRetried(t *testing.T) {
	st := &mockStore{}
	st.On("ApplyPendingRollup", mock.Anything, l1).Return(false, errors.New("disk full"))

	res, err := NewUpdater(st, testConfig()).Apply(context.Background(), []model.EntityRef{l1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	st.AssertNumberOfCalls(t, "ApplyPendingRollup", 1)
}

func TestApply_NothingPending(t *testing.T) {
	st := &mockStore{}
	st.On("ApplyPendingRollup", mock.Anything, l1).Return(false, nil)

	res, err := NewUpdater(st, testConfig()).Apply(context.Background(), []model.EntityRef{l1})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestApply_CancelledContext(t *testing.T) {
	st := &mockStore{}
	ctx, cancel := context.WithCancel(context.Background())
	st.On("ApplyPendingRollup", mock.Anything, l1).Run(func(mock.Arguments) { cancel() }).Return(false, context.Canceled)

	_, err := NewUpdater(st, testConfig()).Apply(ctx, []model.EntityRef{l1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDrain(t *testing.T) {
	st := &mockStore{}
	st.On("ListPendingRollups", mock.Anything, 2).Return([]model.EntityRef{l1, l2}, nil).Once()
	st.On("ListPendingRollups", mock.Anything, 2).Return([]model.EntityRef{}, nil).Once()
	st.On("ApplyPendingRollup", mock.Anything, mock.Anything).Return(true, nil)

	res, err := NewUpdater(st, testConfig()).Drain(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	st.AssertExpectations(t)
}

func TestDrain_StopsWithoutProgress(t *testing.T) {
	st := &mockStore{}
	st.On("ListPendingRollups", mock.Anything, 1).Return([]model.EntityRef{l1}, nil).Once()
	st.On("ApplyPendingRollup", mock.Anything, l1).Return(false, errors.New("boom"))

	res, err := NewUpdater(st, testConfig()).Drain(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Result{Stale: 1}, res)
	st.AssertNumberOfCalls(t, "ListPendingRollups", 1)
}

func TestDrain_ListError(t *testing.T) {
	st := &mockStore{}
	st.On("ListPendingRollups", mock.Anything, 1000).Return(nil, errors.New("db down"))

	_, err := NewUpdater(st, testConfig()).Drain(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollup: list pending")
}

func TestReconcileAll(t *testing.T) {
	st := &mockStore{}
	st.On("ListBucketEntities", mock.Anything).Return([]model.EntityRef{l1, l2}, nil)
	st.On("ReconcileRollup", mock.Anything, l1).Return(nil, store.ErrConflict).Once()
	st.On("ReconcileRollup", mock.Anything, l1).Return(&model.Rollup{Entity: l1, Counters: model.Counters{Views: 3}}, nil).Once()
	st.On("ReconcileRollup", mock.Anything, l2).Return(&model.Rollup{Entity: l2, Counters: model.Counters{Views: 5}}, nil)

	rollups, err := NewUpdater(st, testConfig()).ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rollups, 2)
	assert.Equal(t, int64(3), rollups[0].Counters.Views)
	assert.Equal(t, int64(5), rollups[1].Counters.Views)
}

func TestReconcile_Error(t *testing.T) {
	st := &mockStore{}
	st.On("ReconcileRollup", mock.Anything, l1).Return(nil, errors.New("gone"))

	_, err := NewUpdater(st, testConfig()).Reconcile(context.Background(), []model.EntityRef{l1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollup: reconcile listing:L1")
}
