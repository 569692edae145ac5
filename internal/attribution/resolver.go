// Package attribution turns raw events into fully resolved attributions.
package attribution

import (
	"sort"
	"strings"

	"github.com/sells-group/listing-analytics/internal/extract"
	"github.com/sells-group/listing-analytics/internal/metrics"
	"github.com/sells-group/listing-analytics/internal/model"
)

// Rejection explains why an event was skipped.
type Rejection struct {
	Reason string   `json:"reason"`
	Detail string   `json:"detail,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}

// Resolved is an attributed event plus the extraction it came from.
type Resolved struct {
	Attribution model.Attribution
	Extraction  extract.Result
}

// Resolver classifies, extracts and attributes events. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	classes   *model.ClassRegistry
	extractor *extract.Extractor
}

// NewResolver creates a Resolver.
func NewResolver(classes *model.ClassRegistry, extractor *extract.Extractor) *Resolver {
	return &Resolver{classes: classes, extractor: extractor}
}

// Extractor returns the extractor in use.
func (r *Resolver) Extractor() *extract.Extractor {
	return r.extractor
}

// Classify returns the class of an event name.
func (r *Resolver) Classify(name string) (model.EventClass, bool) {
	return r.classes.Classify(name)
}

// Resolve attributes one event. It returns a Rejection instead of an error:
// no single event can fail a window.
func (r *Resolver) Resolve(ev model.RawEvent) (Resolved, *Rejection) {
	if ev.PayloadError != "" {
		return Resolved{}, &Rejection{Reason: metrics.ReasonMalformed, Detail: ev.PayloadError}
	}
	if ev.Name == "" || ev.OccurredAt.IsZero() {
		return Resolved{}, &Rejection{Reason: metrics.ReasonMalformed, Detail: "missing event name or timestamp"}
	}

	class, ok := r.classes.Classify(ev.Name)
	if !ok {
		return Resolved{}, &Rejection{Reason: metrics.ReasonUnknownEvent, Detail: ev.Name}
	}

	ex := r.extractor.Extract(ev.Properties)
	a := Attribute(ev, class, ex)

	if rej := checkAttributable(a, ex); rej != nil {
		rej.Keys = PropertyKeys(ev.Properties)
		return Resolved{}, rej
	}
	return Resolved{Attribution: a, Extraction: ex}, nil
}

// Attribute applies the identity rules to an extraction result:
//   - seeker: explicit seeker id, else the actor key, else "anonymous"
//   - logged in: only when an explicit flag is present and truthy
//   - context: listing when a listing id is present, development when only a
//     development id is, otherwise profile
//   - a profile id stands in for a missing lister id
//
// Outbound messages are sent by the lister, so the actor key stands in for
// the lister id and the seeker must be named explicitly.
func Attribute(ev model.RawEvent, class model.EventClass, ex extract.Result) model.Attribution {
	a := model.Attribution{
		EventID:       ev.Fingerprint(),
		Class:         class,
		OccurredAt:    ev.OccurredAt,
		ListingID:     ex.ListingID,
		ListerID:      ex.ListerID,
		ListerType:    ex.ListerType,
		IsLoggedIn:    ex.IsLoggedIn,
		DevelopmentID: ex.DevelopmentID,
		Channel:       strings.ToLower(ex.Channel),
	}

	if a.ListerID == "" {
		a.ListerID = ex.ProfileID
	}

	if class == model.ClassOutboundMessage {
		a.SeekerID = ex.SeekerID
		if a.ListerID == "" {
			a.ListerID = ev.ActorKey
		}
	} else {
		switch {
		case ex.SeekerID != "":
			a.SeekerID = ex.SeekerID
		case ev.ActorKey != "":
			a.SeekerID = ev.ActorKey
		default:
			a.SeekerID = model.AnonymousSeeker
		}
	}

	switch {
	case a.ListingID != "":
		a.ContextType = model.ContextListing
	case a.DevelopmentID != "":
		a.ContextType = model.ContextDevelopment
	default:
		a.ContextType = model.ContextProfile
	}
	return a
}

func checkAttributable(a model.Attribution, ex extract.Result) *Rejection {
	if a.ListerID == "" && a.ListingID == "" && a.DevelopmentID == "" && ex.ProfileID == "" {
		return &Rejection{Reason: metrics.ReasonUnattributable, Detail: "no lister or entity id"}
	}

	if a.Class == model.ClassOutboundMessage {
		if a.SeekerID == "" {
			return &Rejection{Reason: metrics.ReasonUnattributable, Detail: "outbound message without recipient"}
		}
		if _, ok := a.LeadKey(); !ok {
			return &Rejection{Reason: metrics.ReasonUnattributable, Detail: "outbound message with unresolved lister"}
		}
		return nil
	}

	// A lister id without a resolvable type names no entity to count against.
	_, primary := a.PrimaryEntity()
	_, profile := a.ListerProfile()
	if !primary && !profile {
		return &Rejection{Reason: metrics.ReasonUnattributable, Detail: "unresolved lister type"}
	}
	return nil
}

// PropertyKeys returns the sorted keys of a property bag.
func PropertyKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
