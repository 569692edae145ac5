package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/aggregate"
	"github.com/sells-group/listing-analytics/internal/attribution"
	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/dedup"
	"github.com/sells-group/listing-analytics/internal/extract"
	"github.com/sells-group/listing-analytics/internal/leads"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/rollup"
	"github.com/sells-group/listing-analytics/internal/source"
	"github.com/sells-group/listing-analytics/internal/store"
)

// NewResolver builds the resolver described by the events and extract
// sections of cfg.
func NewResolver(cfg *config.Config) (*model.ClassRegistry, *attribution.Resolver, error) {
	classes, err := model.NewClassRegistry(cfg.Events.Classes)
	if err != nil {
		return nil, nil, err
	}

	ex := extract.Default()
	if cfg.Extract.FieldsFile != "" {
		fields, err := extract.LoadFields(cfg.Extract.FieldsFile)
		if err != nil {
			return nil, nil, err
		}
		ex, err = extract.New(fields)
		if err != nil {
			return nil, nil, eris.Wrap(err, "pipeline: build extractor")
		}
	}
	return classes, attribution.NewResolver(classes, ex), nil
}

// Build wires a Runner from configuration. The caller owns st and src; Close
// on the returned Runner releases only what Build opened.
func Build(ctx context.Context, cfg *config.Config, st store.Store, src source.Source, opts ...Option) (*Runner, error) {
	classes, resolver, err := NewResolver(cfg)
	if err != nil {
		return nil, err
	}

	agg, err := aggregate.New(cfg.Bucket)
	if err != nil {
		return nil, err
	}

	scorer, err := leads.NewScorer(cfg.Scoring)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build scorer")
	}

	dd, err := dedup.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg.Pipeline, Deps{
		Store:    st,
		Source:   src,
		Classes:  classes,
		Resolver: resolver,
		Dedup:    dd,
		Agg:      agg,
		Leads:    leads.NewEngine(st, scorer, cfg.Pipeline.Workers),
		Rollups:  rollup.NewUpdater(st, cfg.Rollup),
	}, opts...), nil
}

// Close releases the dedup backend.
func (r *Runner) Close() error {
	if r.dedup == nil {
		return nil
	}
	return r.dedup.Close()
}
