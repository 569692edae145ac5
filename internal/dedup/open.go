package dedup

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/config"
)

// Open builds the Deduplicator described by cfg.
func Open(ctx context.Context, cfg *config.Config) (*Deduplicator, error) {
	session := cfg.Dedup.Session()
	switch cfg.Dedup.Backend {
	case "", "memory":
		return New(MemoryStore{}, session), nil
	case "redis":
		st, err := OpenRedis(ctx, cfg.Redis, cfg.Dedup.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return New(st, session), nil
	default:
		return nil, eris.Errorf("dedup: unsupported backend %q", cfg.Dedup.Backend)
	}
}

// Close releases the backing store.
func (d *Deduplicator) Close() error {
	return d.store.Close()
}
