// Package extract resolves canonical attribution fields from the loosely
// typed property bag of a raw event.
package extract

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/model"
)

// Match records which property key supplied a field, and its position in the
// field's key list. Rank 0 is the preferred key.
type Match struct {
	Key  string `json:"key"`
	Rank int    `json:"rank"`
}

// ListerTypeSource says how the lister type was determined.
type ListerTypeSource string

const (
	ListerTypeExplicit ListerTypeSource = "explicit"
	ListerTypeInferred ListerTypeSource = "inferred"
)

// Result is the outcome of extracting one event's properties.
type Result struct {
	ListingID     string
	ListerID      string
	ListerType    model.ListerType
	TypeSource    ListerTypeSource
	SeekerID      string
	DevelopmentID string
	ProfileID     string
	Channel       string
	IsLoggedIn    bool
	PropertyTypes []string

	// RawListerType holds an explicit lister type that did not parse.
	RawListerType string

	// Matches holds the key that supplied each present field.
	Matches map[string]Match
	// Missing lists the canonical fields with no usable value, in table order.
	Missing []string
}

// Has reports whether field was found.
func (r Result) Has(field string) bool {
	_, ok := r.Matches[field]
	return ok
}

// Fallthroughs returns the fields resolved from a non-preferred key.
func (r Result) Fallthroughs() map[string]Match {
	out := make(map[string]Match)
	for f, m := range r.Matches {
		if m.Rank > 0 {
			out[f] = m
		}
	}
	return out
}

// Extractor applies an extraction table. It is safe for concurrent use.
type Extractor struct {
	fields []FieldSpec
}

// New builds an Extractor from a field table.
func New(fields []FieldSpec) (*Extractor, error) {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f.Keys) == 0 {
			return nil, eris.Errorf("extract: field %q has no keys", f.Name)
		}
		switch f.Parser {
		case ParseString, ParseStringList, ParseBool:
		default:
			return nil, eris.Errorf("extract: field %q has unknown parser %q", f.Name, f.Parser)
		}
		for k, t := range f.Implies {
			if _, ok := model.ParseListerType(t); !ok {
				return nil, eris.Errorf("extract: field %q key %q implies unknown lister type %q", f.Name, k, t)
			}
		}
		seen[f.Name] = true
	}
	for _, name := range []string{FieldListingID, FieldListerID, FieldSeekerID} {
		if !seen[name] {
			return nil, eris.Errorf("extract: table is missing field %q", name)
		}
	}
	return &Extractor{fields: fields}, nil
}

// Default returns an Extractor over the built-in table.
func Default() *Extractor {
	e, err := New(DefaultFields())
	if err != nil {
		panic(err)
	}
	return e
}

// Fields returns the extraction table in use.
func (e *Extractor) Fields() []FieldSpec {
	return e.fields
}

// Extract resolves every canonical field from props. It never fails: fields
// that cannot be read are reported in Missing.
func (e *Extractor) Extract(props map[string]any) Result {
	res := Result{Matches: make(map[string]Match)}

	var listerSpec *FieldSpec
	for i := range e.fields {
		f := &e.fields[i]
		if f.Name == FieldListerID {
			listerSpec = f
		}

		found := false
		for rank, key := range f.Keys {
			raw, ok := props[key]
			if !ok || raw == nil {
				continue
			}
			if e.assign(&res, f, raw) {
				res.Matches[f.Name] = Match{Key: key, Rank: rank}
				found = true
				break
			}
		}
		if !found {
			res.Missing = append(res.Missing, f.Name)
		}
	}

	if res.ListerType == "" && listerSpec != nil {
		res.ListerType = inferListerType(listerSpec, props)
		if res.ListerType != "" {
			res.TypeSource = ListerTypeInferred
		}
	}
	if res.ListerType != "" && !res.Has(FieldListerType) {
		res.Missing = removeField(res.Missing, FieldListerType)
	}

	return res
}

// assign stores a parsed value on res. Returns false when raw is unusable.
func (e *Extractor) assign(res *Result, f *FieldSpec, raw any) bool {
	switch f.Parser {
	case ParseBool:
		v, ok := parseBool(raw)
		if !ok {
			return false
		}
		if f.Name == FieldLoggedIn {
			res.IsLoggedIn = v
		}
		return true
	case ParseStringList:
		vals := ParseStrings(raw)
		if len(vals) == 0 {
			return false
		}
		if f.Name == FieldPropertyType {
			res.PropertyTypes = vals
		}
		return true
	}

	s, ok := parseString(raw)
	if !ok {
		return false
	}
	switch f.Name {
	case FieldListingID:
		res.ListingID = s
	case FieldListerID:
		res.ListerID = s
	case FieldListerType:
		t, ok := model.ParseListerType(s)
		if !ok {
			res.RawListerType = s
			return false
		}
		res.ListerType = t
		res.TypeSource = ListerTypeExplicit
	case FieldSeekerID:
		res.SeekerID = s
	case FieldDevelopmentID:
		res.DevelopmentID = s
	case FieldProfileID:
		res.ProfileID = s
	case FieldChannel:
		res.Channel = s
	}
	return true
}

// inferListerType returns the type implied by the first populated key of the
// lister id field that carries an implication.
func inferListerType(f *FieldSpec, props map[string]any) model.ListerType {
	for _, key := range f.Keys {
		implied, ok := f.Implies[key]
		if !ok {
			continue
		}
		if _, present := parseString(props[key]); !present {
			continue
		}
		t, _ := model.ParseListerType(implied)
		return t
	}
	return ""
}

func removeField(fields []string, name string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != name {
			out = append(out, f)
		}
	}
	return out
}
