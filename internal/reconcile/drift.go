// Package reconcile detects upstream schema drift by running a raw event
// export through the extractor and resolver and reporting the gaps. It never
// writes to the store.
package reconcile

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/listing-analytics/internal/attribution"
	"github.com/sells-group/listing-analytics/internal/extract"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/source"
)

// unclassified groups events whose name has no class.
const unclassified = "(unclassified)"

// ClassGaps counts missing identity fields for one event class.
type ClassGaps struct {
	Class                string `json:"class"`
	Events               int64  `json:"events"`
	MissingListingID     int64  `json:"missing_listing_id"`
	MissingListerID      int64  `json:"missing_lister_id"`
	MissingSeekerID      int64  `json:"missing_seeker_id"`
	AnonymousSeeker      int64  `json:"anonymous_seeker"`
	UnresolvedListerType int64  `json:"unresolved_lister_type"`
	Rejected             int64  `json:"rejected"`
}

// KeyUsage is how often a known property key supplied its field.
type KeyUsage struct {
	Field string `json:"field"`
	Key   string `json:"key"`
	Rank  int    `json:"rank"`
	Count int64  `json:"count"`
}

// NearMiss is an observed property key that differs from a known key only by
// case or separators. These are the renames the extraction table does not
// handle yet.
type NearMiss struct {
	Key      string `json:"key"`
	Field    string `json:"field"`
	KnownKey string `json:"known_key"`
	Count    int64  `json:"count"`
}

// Count is a labelled tally.
type Count struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Report is the outcome of analyzing an export.
type Report struct {
	Source        string      `json:"source,omitempty"`
	Events        int64       `json:"events"`
	Attributed    int64       `json:"attributed"`
	Classes       []ClassGaps `json:"classes"`
	Rejections    []Count     `json:"rejections"`
	KeyUsage      []KeyUsage  `json:"key_usage"`
	NearMisses    []NearMiss  `json:"near_misses"`
	UnmappedKeys  []Count     `json:"unmapped_keys"`
	UnknownEvents []Count     `json:"unknown_events"`
	ListerTypes   []Count     `json:"raw_lister_types"`
	PropertyTypes []Count     `json:"property_types"`
}

type knownKey struct {
	field string
	key   string
	rank  int
}

// Analyzer accumulates drift statistics. It is safe for concurrent use.
type Analyzer struct {
	resolver *attribution.Resolver
	known    map[string]knownKey
	folded   map[string]knownKey
	fold     cases.Caser

	mu            sync.Mutex
	events        int64
	attributed    int64
	classes       map[string]*ClassGaps
	rejections    map[string]int64
	keyUsage      map[knownKey]int64
	nearMisses    map[string]int64
	unmapped      map[string]int64
	unknownEvents map[string]int64
	listerTypes   map[string]int64
	propertyTypes map[string]int64
}

// NewAnalyzer creates an Analyzer over the resolver's extraction table.
func NewAnalyzer(resolver *attribution.Resolver) *Analyzer {
	a := &Analyzer{
		resolver:      resolver,
		known:         make(map[string]knownKey),
		folded:        make(map[string]knownKey),
		fold:          cases.Fold(),
		classes:       make(map[string]*ClassGaps),
		rejections:    make(map[string]int64),
		keyUsage:      make(map[knownKey]int64),
		nearMisses:    make(map[string]int64),
		unmapped:      make(map[string]int64),
		unknownEvents: make(map[string]int64),
		listerTypes:   make(map[string]int64),
		propertyTypes: make(map[string]int64),
	}
	for _, f := range resolver.Extractor().Fields() {
		for rank, key := range f.Keys {
			k := knownKey{field: f.Name, key: key, rank: rank}
			a.known[key] = k
			if _, dup := a.folded[a.normalize(key)]; !dup {
				a.folded[a.normalize(key)] = k
			}
		}
	}
	return a
}

// normalize folds case and drops separators, so listing_id, listingId and
// ListingID compare equal.
func (a *Analyzer) normalize(key string) string {
	k := a.fold.String(key)
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(k)
}

// Add analyzes one event.
func (a *Analyzer) Add(ev model.RawEvent) {
	resolved, rej := a.resolver.Resolve(ev)
	ex := resolved.Extraction
	if rej != nil && ev.PayloadError == "" {
		ex = a.resolver.Extractor().Extract(ev.Properties)
	}
	class, classified := a.resolver.Classify(ev.Name)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.events++
	if rej != nil {
		a.rejections[rej.Reason]++
	} else {
		a.attributed++
	}

	if ev.PayloadError != "" {
		return
	}

	name := string(class)
	if !classified {
		name = unclassified
		a.unknownEvents[ev.Name]++
	}
	g := a.classes[name]
	if g == nil {
		g = &ClassGaps{Class: name}
		a.classes[name] = g
	}
	g.Events++
	if rej != nil {
		g.Rejected++
	}
	if !ex.Has(extract.FieldListingID) {
		g.MissingListingID++
	}
	if !ex.Has(extract.FieldListerID) {
		g.MissingListerID++
	}
	if !ex.Has(extract.FieldSeekerID) {
		g.MissingSeekerID++
		if ev.ActorKey == "" {
			g.AnonymousSeeker++
		}
	}
	if ex.ListerType == "" {
		g.UnresolvedListerType++
	}
	if ex.RawListerType != "" {
		a.listerTypes[ex.RawListerType]++
	}
	for _, pt := range ex.PropertyTypes {
		a.propertyTypes[pt]++
	}

	for key := range ev.Properties {
		if k, ok := a.known[key]; ok {
			if m, ok := ex.Matches[k.field]; ok && m.Key == key {
				a.keyUsage[k]++
			}
			continue
		}
		if k, ok := a.folded[a.normalize(key)]; ok {
			a.nearMisses[key+"\x00"+k.field+"\x00"+k.key]++
			continue
		}
		a.unmapped[key]++
	}
}

// Report snapshots the accumulated statistics in a stable order.
func (a *Analyzer) Report() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &Report{
		Events:        a.events,
		Attributed:    a.attributed,
		Rejections:    sortedCounts(a.rejections),
		UnmappedKeys:  sortedCounts(a.unmapped),
		UnknownEvents: sortedCounts(a.unknownEvents),
		ListerTypes:   sortedCounts(a.listerTypes),
		PropertyTypes: sortedCounts(a.propertyTypes),
	}

	for _, g := range a.classes {
		r.Classes = append(r.Classes, *g)
	}
	sort.Slice(r.Classes, func(i, j int) bool { return r.Classes[i].Class < r.Classes[j].Class })

	for k, n := range a.keyUsage {
		r.KeyUsage = append(r.KeyUsage, KeyUsage{Field: k.field, Key: k.key, Rank: k.rank, Count: n})
	}
	sort.Slice(r.KeyUsage, func(i, j int) bool {
		if r.KeyUsage[i].Field != r.KeyUsage[j].Field {
			return r.KeyUsage[i].Field < r.KeyUsage[j].Field
		}
		return r.KeyUsage[i].Rank < r.KeyUsage[j].Rank
	})

	for id, n := range a.nearMisses {
		parts := strings.SplitN(id, "\x00", 3)
		r.NearMisses = append(r.NearMisses, NearMiss{Key: parts[0], Field: parts[1], KnownKey: parts[2], Count: n})
	}
	sort.Slice(r.NearMisses, func(i, j int) bool {
		if r.NearMisses[i].Count != r.NearMisses[j].Count {
			return r.NearMisses[i].Count > r.NearMisses[j].Count
		}
		return r.NearMisses[i].Key < r.NearMisses[j].Key
	})
	return r
}

// Fallthroughs returns the key usage rows that did not come from a field's
// preferred key.
func (r *Report) Fallthroughs() []KeyUsage {
	var out []KeyUsage
	for _, k := range r.KeyUsage {
		if k.Rank > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Rejected returns the rejection count for reason.
func (r *Report) Rejected(reason string) int64 {
	for _, c := range r.Rejections {
		if c.Name == reason {
			return c.Count
		}
	}
	return 0
}

// Class returns the gaps of one class.
func (r *Report) Class(name string) (ClassGaps, bool) {
	for _, g := range r.Classes {
		if g.Class == name {
			return g, true
		}
	}
	return ClassGaps{}, false
}

// AnalyzeFile runs every event of an export through a fresh Analyzer.
func AnalyzeFile(ctx context.Context, resolver *attribution.Resolver, path string) (*Report, error) {
	rc, err := source.OpenExport(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	a := NewAnalyzer(resolver)
	if _, err := source.ReadExport(ctx, rc, func(ev model.RawEvent) error {
		a.Add(ev)
		return nil
	}); err != nil {
		return nil, eris.Wrapf(err, "reconcile: read export %s", path)
	}

	r := a.Report()
	r.Source = path
	return r, nil
}

// Malformed is a shorthand for the malformed rejection count.
func (r *Report) Malformed() int64 {
	return r.Rejected(metrics.ReasonMalformed)
}

func sortedCounts(m map[string]int64) []Count {
	out := make([]Count, 0, len(m))
	for name, n := range m {
		out = append(out, Count{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
