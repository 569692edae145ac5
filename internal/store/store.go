// Package store persists buckets, rollups, leads, watermarks and the run log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a rollup changed between read and write.
	ErrConflict = eris.New("store: rollup version conflict")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Pipeline string          `json:"pipeline,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Since    time.Time       `json:"since,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// LeadFilter selects the leads of one lister.
type LeadFilter struct {
	ListerID   string           `json:"lister_id"`
	ListerType model.ListerType `json:"lister_type"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the aggregation pipeline.
type Store interface {
	// Windows
	CommitWindow(ctx context.Context, batch *model.WindowBatch) (*model.CommitResult, error)
	GetWatermark(ctx context.Context, pipeline string) (*model.Watermark, error)
	SetWatermark(ctx context.Context, wm model.Watermark) error

	// Run log
	StartRun(ctx context.Context, run *model.Run) error
	CompleteRun(ctx context.Context, runID string, stats model.RunStats) error
	FailRun(ctx context.Context, runID string, stats model.RunStats, runErr string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Rollups
	ListPendingRollups(ctx context.Context, limit int) ([]model.EntityRef, error)
	CountPendingRollups(ctx context.Context) (int, error)
	ApplyPendingRollup(ctx context.Context, ref model.EntityRef) (bool, error)
	ReconcileRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error)
	GetRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error)
	ListBucketEntities(ctx context.Context) ([]model.EntityRef, error)

	// Buckets
	ListBuckets(ctx context.Context, ref model.EntityRef, from, to time.Time) ([]model.BucketRow, error)
	SumBuckets(ctx context.Context, ref model.EntityRef) (model.Counters, error)

	// Leads
	GetLead(ctx context.Context, leadID string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)
	ListLeadActions(ctx context.Context, leadID string) ([]model.LeadAction, error)
	ListLeadIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	UpdateLeadScore(ctx context.Context, leadID string, score float64, tier model.Tier, scoredAt time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns})
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "listing-analytics.db"
		}
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
