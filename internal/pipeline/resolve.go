package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-analytics/internal/attribution"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
)

type resolution struct {
	resolved attribution.Resolved
	rejected *attribution.Rejection
	skipped  bool
}

// resolve attributes events in parallel, then folds the results in input
// order. Per-event failures become counters; only cancellation is returned.
func (r *Runner) resolve(ctx context.Context, log *zap.Logger, w model.Window, events []model.RawEvent, stats *model.RunStats) ([]model.Attribution, error) {
	results := make([]resolution, len(events))

	workers := r.cfg.Workers
	chunk := (len(events) + workers - 1) / workers
	if chunk < 1 {
		chunk = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < len(events); lo += chunk {
		hi := min(lo+chunk, len(events))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				ev := events[i]
				// The source is eventually consistent; anything outside the
				// window belongs to a neighbour and is counted there.
				if !ev.OccurredAt.IsZero() && !w.Contains(ev.OccurredAt) {
					results[i].skipped = true
					continue
				}
				results[i].resolved, results[i].rejected = r.resolver.Resolve(ev)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	atts := make([]model.Attribution, 0, len(events))
	for i, res := range results {
		switch {
		case res.skipped:
			continue
		case res.rejected != nil:
			countRejection(stats, res.rejected.Reason)
			metrics.EventsRejected.WithLabelValues(res.rejected.Reason).Inc()
			if res.rejected.Reason == metrics.ReasonUnattributable {
				log.Debug("unattributable event",
					zap.String("event", events[i].Name),
					zap.String("event_id", events[i].Fingerprint()),
					zap.String("detail", res.rejected.Detail),
					zap.Strings("keys", res.rejected.Keys),
				)
			}
		default:
			a := res.resolved.Attribution
			stats.Processed++
			metrics.EventsProcessed.WithLabelValues(string(a.Class)).Inc()
			for field, m := range res.resolved.Extraction.Fallthroughs() {
				metrics.ExtractorFallthrough.WithLabelValues(field, m.Key).Inc()
			}
			atts = append(atts, a)
		}
	}
	return atts, nil
}

func countRejection(stats *model.RunStats, reason string) {
	switch reason {
	case metrics.ReasonMalformed:
		stats.Malformed++
	case metrics.ReasonUnknownEvent:
		stats.UnknownEvent++
	default:
		stats.Unattributable++
	}
}
