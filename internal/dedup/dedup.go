// Package dedup decides which actions count as unique views and leads.
//
// Uniqueness is scoped to a session. Within one aggregation window an
// in-memory arena answers every question; a Store extends the scope across
// windows (and process restarts) when the session is longer than a window.
package dedup

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/model"
)

// Store records session claims that outlive a single window. Claim returns,
// for each key, whether owner holds the claim. A key already claimed by the
// same owner counts as held, so replaying a window yields the same answer.
type Store interface {
	Claim(ctx context.Context, owner string, keys []string, ttl time.Duration) ([]bool, error)
	Close() error
}

// Deduplicator builds per-window scopes.
type Deduplicator struct {
	store   Store
	session time.Duration
}

// New creates a Deduplicator. A zero session scopes uniqueness to the
// aggregation window.
func New(store Store, session time.Duration) *Deduplicator {
	if store == nil {
		store = MemoryStore{}
	}
	return &Deduplicator{store: store, session: session}
}

// Session returns the configured session length.
func (d *Deduplicator) Session() time.Duration {
	return d.session
}

// Begin opens the scope for one window. Scopes are not safe for concurrent
// use; the reduction phase owns its scope.
func (d *Deduplicator) Begin(w model.Window) *Scope {
	return &Scope{d: d, window: w, seen: make(map[string]struct{})}
}

// Scope is the dedup state of one window.
type Scope struct {
	d      *Deduplicator
	window model.Window
	seen   map[string]struct{}
}

// Key returns the uniqueness key of an action on target.
func (s *Scope) Key(a model.Attribution, target model.EntityRef) string {
	session := s.window.Start
	if s.d.session > 0 {
		session = a.OccurredAt.Truncate(s.d.session)
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(session.Unix(), 10))
	b.WriteByte('|')
	b.WriteString(a.SeekerID)
	b.WriteByte('|')
	b.WriteString(target.String())
	b.WriteByte('|')
	b.WriteString(a.Class.Family())
	return b.String()
}

// Resolve returns one flag per key: true for the first occurrence of the key
// in this window that is not already claimed by another window's session.
func (s *Scope) Resolve(ctx context.Context, keys []string) ([]bool, error) {
	out := make([]bool, len(keys))
	var firsts []string
	var idx []int
	for i, k := range keys {
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		firsts = append(firsts, k)
		idx = append(idx, i)
	}
	if len(firsts) == 0 {
		return out, nil
	}

	held, err := s.d.store.Claim(ctx, s.window.String(), firsts, s.ttl())
	if err != nil {
		return nil, eris.Wrap(err, "dedup: claim")
	}
	if len(held) != len(firsts) {
		return nil, eris.Errorf("dedup: claim returned %d results for %d keys", len(held), len(firsts))
	}
	for j, i := range idx {
		out[i] = held[j]
	}
	return out, nil
}

// ttl keeps claims alive for the session plus one window so that replays of
// recent windows still find their own claims.
func (s *Scope) ttl() time.Duration {
	ttl := s.window.Duration()
	if s.d.session > ttl {
		ttl = s.d.session
	}
	return ttl + s.window.Duration()
}

// MemoryStore holds no state: every key first seen by the window arena is
// unique. Used when the session equals the aggregation window.
type MemoryStore struct{}

// Claim implements Store.
func (MemoryStore) Claim(_ context.Context, _ string, keys []string, _ time.Duration) ([]bool, error) {
	out := make([]bool, len(keys))
	for i := range out {
		out[i] = true
	}
	return out, nil
}

// Close implements Store.
func (MemoryStore) Close() error { return nil }
