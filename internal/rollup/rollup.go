// Package rollup keeps the denormalized all-time counters on listings,
// developments and lister profiles in step with the bucket history.
//
// Two paths write a rollup. The fast path drains the per-entity deltas that
// each window commit leaves in the pending outbox, guarded by an optimistic
// version check. The reconcile path overwrites the rollup with the sum of the
// entity's buckets. Both produce the same counters once the outbox is empty.
package rollup

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/resilience"
	"github.com/sells-group/listing-analytics/internal/store"
)

// Store is the persistence the updater needs.
type Store interface {
	ListPendingRollups(ctx context.Context, limit int) ([]model.EntityRef, error)
	ApplyPendingRollup(ctx context.Context, ref model.EntityRef) (bool, error)
	ReconcileRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error)
	ListBucketEntities(ctx context.Context) ([]model.EntityRef, error)
}

// Result counts what one pass did.
type Result struct {
	Applied int `json:"applied"`
	// Stale counts entities whose delta stayed pending after retries.
	Stale int `json:"stale"`
}

// Updater applies rollup deltas with bounded per-entity retries.
type Updater struct {
	store   Store
	retry   resilience.RetryConfig
	workers int
}

// IsConflict reports whether err is a rollup version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// NewUpdater creates an Updater from the rollup config.
func NewUpdater(s Store, cfg config.RollupConfig) *Updater {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	rc := resilience.RollupRetry(cfg, IsConflict)
	rc.OnRetry = func(attempt int, err error) {
		metrics.RollupConflicts.Inc()
		resilience.RetryLogger("rollup.updater", "apply")(attempt, err)
	}
	return &Updater{store: s, retry: rc, workers: workers}
}

// Apply runs the fast path for refs. A failure on one entity never fails the
// pass: the delta stays pending and the entity is counted as stale. Only a
// cancelled context is returned as an error.
func (u *Updater) Apply(ctx context.Context, refs []model.EntityRef) (Result, error) {
	log := zap.L().With(zap.String("component", "rollup.updater"))

	var applied, stale atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)
	for _, ref := range refs {
		g.Go(func() error {
			ok, err := resilience.DoVal(gctx, u.retry, func(ctx context.Context) (bool, error) {
				return u.store.ApplyPendingRollup(ctx, ref)
			})
			switch {
			case err == nil:
				if ok {
					applied.Add(1)
				}
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				if IsConflict(err) {
					metrics.RollupConflicts.Inc()
				}
				metrics.RollupDeferred.Inc()
				stale.Add(1)
				log.Warn("rollup left pending",
					zap.String("entity", ref.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	err := g.Wait()
	return Result{Applied: int(applied.Load()), Stale: int(stale.Load())}, err
}

// Drain applies every pending delta in the outbox, limit entities at a time.
// Entities that stay stale are not retried within the same drain.
func (u *Updater) Drain(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = 1000
	}
	var total Result
	for {
		refs, err := u.store.ListPendingRollups(ctx, limit)
		if err != nil {
			return total, eris.Wrap(err, "rollup: list pending")
		}
		res, err := u.Apply(ctx, refs)
		total.Applied += res.Applied
		total.Stale += res.Stale
		if err != nil {
			return total, err
		}
		// A short page, or a page that made no progress, ends the drain.
		if len(refs) < limit || res.Applied == 0 {
			return total, nil
		}
	}
}

// Reconcile rebuilds the rollups of refs from their buckets.
func (u *Updater) Reconcile(ctx context.Context, refs []model.EntityRef) ([]model.Rollup, error) {
	out := make([]model.Rollup, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers)
	for i, ref := range refs {
		g.Go(func() error {
			r, err := resilience.DoVal(gctx, u.retry, func(ctx context.Context) (*model.Rollup, error) {
				return u.store.ReconcileRollup(ctx, ref)
			})
			if err != nil {
				return eris.Wrapf(err, "rollup: reconcile %s", ref)
			}
			out[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReconcileAll rebuilds the rollup of every entity that has buckets.
func (u *Updater) ReconcileAll(ctx context.Context) ([]model.Rollup, error) {
	refs, err := u.store.ListBucketEntities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rollup: list bucket entities")
	}
	rollups, err := u.Reconcile(ctx, refs)
	if err != nil {
		return nil, err
	}
	zap.L().Info("rollups reconciled",
		zap.String("component", "rollup.updater"),
		zap.Int("entities", len(rollups)),
	)
	return rollups, nil
}
