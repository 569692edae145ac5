package store

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/listing-analytics/internal/model"
)

// placeholder renders the i-th (1-based) bind parameter of a dialect.
type placeholder func(i int) string

// rollupTable describes where an entity kind keeps its rollup counters.
type rollupTable struct {
	name    string
	keyCols []string
}

var (
	listingRollups     = rollupTable{name: "listings", keyCols: []string{"id"}}
	developmentRollups = rollupTable{name: "developments", keyCols: []string{"id"}}
	profileRollups     = rollupTable{name: "lister_profiles", keyCols: []string{"lister_type", "id"}}
)

func rollupTableFor(ref model.EntityRef) (rollupTable, []any) {
	switch ref.Kind {
	case model.EntityListing:
		return listingRollups, []any{ref.ID}
	case model.EntityDevelopment:
		return developmentRollups, []any{ref.ID}
	default:
		lt, _ := ref.Kind.ListerType()
		return profileRollups, []any{string(lt), ref.ID}
	}
}

// where renders "k1 = p(start) AND k2 = p(start+1)".
func (t rollupTable) where(p placeholder, start int) string {
	parts := make([]string, len(t.keyCols))
	for i, c := range t.keyCols {
		parts[i] = c + " = " + p(start+i)
	}
	return strings.Join(parts, " AND ")
}

func counterList() string {
	return strings.Join(model.CounterColumns, ", ")
}

// counterSums renders COALESCE(SUM(col), 0) for every counter.
func counterSums() string {
	parts := make([]string, len(model.CounterColumns))
	for i, c := range model.CounterColumns {
		parts[i] = "COALESCE(SUM(" + c + "), 0)"
	}
	return strings.Join(parts, ", ")
}

// counterParams renders one placeholder per counter starting at start.
func counterParams(p placeholder, start int) string {
	parts := make([]string, len(model.CounterColumns))
	for i := range model.CounterColumns {
		parts[i] = p(start + i)
	}
	return strings.Join(parts, ", ")
}

// counterAssign renders "col = <expr>" where expr is built from the column
// name and its placeholder.
func counterAssign(p placeholder, start int, expr func(col, param string) string) string {
	parts := make([]string, len(model.CounterColumns))
	for i, c := range model.CounterColumns {
		parts[i] = c + " = " + expr(c, p(start+i))
	}
	return strings.Join(parts, ", ")
}

// counterExcluded renders "col = excluded.col" for an upsert.
func counterExcluded() string {
	parts := make([]string, len(model.CounterColumns))
	for i, c := range model.CounterColumns {
		parts[i] = c + " = excluded." + c
	}
	return strings.Join(parts, ", ")
}

// counterAccumulate renders "col = table.col + excluded.col" for an upsert.
func counterAccumulate(table string) string {
	parts := make([]string, len(model.CounterColumns))
	for i, c := range model.CounterColumns {
		parts[i] = c + " = " + table + "." + c + " + excluded." + c
	}
	return strings.Join(parts, ", ")
}

// allZero renders "col = 0 AND ..." for every counter.
func allZero() string {
	parts := make([]string, len(model.CounterColumns))
	for i, c := range model.CounterColumns {
		parts[i] = c + " = 0"
	}
	return strings.Join(parts, " AND ")
}

// bucketKeys collects the distinct bucket keys in contributions.
type keySet map[model.BucketKey]struct{}

func (s keySet) add(k model.BucketKey) {
	k.Date = dateOnly(k.Date)
	s[k] = struct{}{}
}

func (s keySet) sorted() []model.BucketKey {
	out := make([]model.BucketKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Entity.Kind != b.Entity.Kind {
			return a.Entity.Kind < b.Entity.Kind
		}
		if a.Entity.ID != b.Entity.ID {
			return a.Entity.ID < b.Entity.ID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Hour < b.Hour
	})
	return out
}

// entityDeltas computes new minus old per entity.
func entityDeltas(old map[model.EntityRef]model.Counters, contributions []model.Contribution) map[model.EntityRef]model.Counters {
	out := make(map[model.EntityRef]model.Counters, len(old))
	for ref, c := range old {
		out[ref] = out[ref].Sub(c)
	}
	for _, ct := range contributions {
		out[ct.Key.Entity] = out[ct.Key.Entity].Add(ct.Counters)
	}
	return out
}

func sortedRefs(m map[model.EntityRef]model.Counters) []model.EntityRef {
	out := make([]model.EntityRef, 0, len(m))
	for ref := range m {
		out = append(out, ref)
	}
	sortEntityRefs(out)
	return out
}

func sortEntityRefs(refs []model.EntityRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
}

// leadSet keeps lead keys in first-seen order.
type leadSet struct {
	ids  []string
	keys map[string]model.LeadKey
}

func (s *leadSet) add(k model.LeadKey) string {
	if s.keys == nil {
		s.keys = make(map[string]model.LeadKey)
	}
	id := k.ID()
	if _, ok := s.keys[id]; !ok {
		s.keys[id] = k
		s.ids = append(s.ids, id)
	}
	return id
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clampLimit(limit, def, upper int) int {
	if limit <= 0 {
		return def
	}
	if limit > upper {
		return upper
	}
	return limit
}
