package model

import (
	"strings"
	"time"
)

// ListerType identifies the kind of account that owns a listing or profile.
// The zero value means the type could not be resolved.
type ListerType string

const (
	ListerDeveloper ListerType = "developer"
	ListerAgent     ListerType = "agent"
	ListerAgency    ListerType = "agency"
)

// ParseListerType normalizes the spellings upstream producers use for lister
// types. Returns false when the value is not recognized.
func ParseListerType(s string) (ListerType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "developer", "developers", "builder", "desarrollador":
		return ListerDeveloper, true
	case "agent", "agents", "broker", "realtor", "asesor":
		return ListerAgent, true
	case "agency", "agencies", "brokerage", "inmobiliaria":
		return ListerAgency, true
	default:
		return "", false
	}
}

// ContextType is the surface an event happened on.
type ContextType string

const (
	ContextListing     ContextType = "listing"
	ContextProfile     ContextType = "profile"
	ContextDevelopment ContextType = "development"
)

// AnonymousSeeker is the seeker id used when neither an explicit seeker id nor
// an actor key is available.
const AnonymousSeeker = "anonymous"

// Attribution is the resolved identity of one event: which entity it belongs
// to, which lister receives it and which seeker performed it.
type Attribution struct {
	EventID       string      `json:"event_id"`
	Class         EventClass  `json:"class"`
	OccurredAt    time.Time   `json:"occurred_at"`
	ListingID     string      `json:"listing_id,omitempty"`
	ListerID      string      `json:"lister_id,omitempty"`
	ListerType    ListerType  `json:"lister_type,omitempty"`
	SeekerID      string      `json:"seeker_id"`
	IsLoggedIn    bool        `json:"is_logged_in"`
	ContextType   ContextType `json:"context_type"`
	DevelopmentID string      `json:"development_id,omitempty"`
	Channel       string      `json:"channel,omitempty"`
}

// PrimaryEntity returns the entity the event is about: the listing, the
// development, or the lister profile, following the context type.
func (a Attribution) PrimaryEntity() (EntityRef, bool) {
	switch a.ContextType {
	case ContextListing:
		if a.ListingID != "" {
			return EntityRef{Kind: EntityListing, ID: a.ListingID}, true
		}
	case ContextDevelopment:
		if a.DevelopmentID != "" {
			return EntityRef{Kind: EntityDevelopment, ID: a.DevelopmentID}, true
		}
	case ContextProfile:
		return a.ListerProfile()
	}
	return EntityRef{}, false
}

// ListerProfile returns the lister profile entity, if the lister is fully
// resolved (id and type).
func (a Attribution) ListerProfile() (EntityRef, bool) {
	if a.ListerID == "" {
		return EntityRef{}, false
	}
	kind, ok := ProfileKind(a.ListerType)
	if !ok {
		return EntityRef{}, false
	}
	return EntityRef{Kind: kind, ID: a.ListerID}, true
}

// LeadKey returns the lead identity for a lead or outbound action. Returns
// false when the lister is not fully resolved.
func (a Attribution) LeadKey() (LeadKey, bool) {
	if a.ListerID == "" || a.ListerType == "" {
		return LeadKey{}, false
	}
	k := LeadKey{
		ListerID:    a.ListerID,
		ListerType:  a.ListerType,
		SeekerID:    a.SeekerID,
		ContextType: a.ContextType,
	}
	if a.ContextType == ContextListing {
		k.ListingID = a.ListingID
	}
	return k, true
}
