package leads

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
)

// Store is the persistence the engine needs.
type Store interface {
	ListLeadActions(ctx context.Context, leadID string) ([]model.LeadAction, error)
	UpdateLeadScore(ctx context.Context, leadID string, score float64, tier model.Tier, scoredAt time.Time) error
	ListLeadIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// Engine recomputes lead scores from stored action history.
type Engine struct {
	store   Store
	scorer  *Scorer
	workers int
}

// NewEngine creates an Engine. workers bounds concurrent rescoring.
func NewEngine(store Store, scorer *Scorer, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{store: store, scorer: scorer, workers: workers}
}

// Scorer returns the scorer in use.
func (e *Engine) Scorer() *Scorer {
	return e.scorer
}

// Rescore recomputes the given leads, stamping them with scoredAt, and returns
// how many were updated.
func (e *Engine) Rescore(ctx context.Context, ids []string, scoredAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, id := range ids {
		g.Go(func() error {
			actions, err := e.store.ListLeadActions(gctx, id)
			if err != nil {
				return eris.Wrapf(err, "leads: load actions for %s", id)
			}
			score, tier := e.scorer.Evaluate(actions)
			if err := e.store.UpdateLeadScore(gctx, id, score, tier, scoredAt); err != nil {
				return eris.Wrapf(err, "leads: update score for %s", id)
			}
			done.Add(1)
			return nil
		})
	}
	err := g.Wait()
	metrics.LeadsRescored.Add(float64(done.Load()))
	return int(done.Load()), err
}

// RescoreAll pages through every lead and rescores it.
func (e *Engine) RescoreAll(ctx context.Context, scoredAt time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	log := zap.L().With(zap.String("component", "leads.rescore"))

	total := 0
	after := ""
	for {
		ids, err := e.store.ListLeadIDs(ctx, after, batchSize)
		if err != nil {
			return total, eris.Wrap(err, "leads: list lead ids")
		}
		if len(ids) == 0 {
			break
		}
		n, err := e.Rescore(ctx, ids, scoredAt)
		total += n
		if err != nil {
			return total, err
		}
		log.Debug("rescored batch", zap.Int("count", n), zap.Int("total", total))
		after = ids[len(ids)-1]
		if len(ids) < batchSize {
			break
		}
	}
	log.Info("rescore complete", zap.Int("leads", total), zap.Time("scored_at", scoredAt))
	return total, nil
}
