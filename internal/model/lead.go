package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// LeadStatus is the lifecycle state of a lead.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQualified LeadStatus = "qualified"
	LeadConverted LeadStatus = "converted"
	LeadLost      LeadStatus = "lost"
)

// Tier is the lead-quality classification derived from the score.
type Tier string

const (
	TierHigh   Tier = "High"
	TierMedium Tier = "Medium"
	TierBase   Tier = "Base"
)

// ActionType is a lead action kind. Contact channels share the names of the
// lead event classes; views on a lead's context are recorded as "view".
type ActionType string

const (
	ActionView        ActionType = "view"
	ActionPhone       ActionType = "phone"
	ActionWhatsApp    ActionType = "whatsapp"
	ActionMessage     ActionType = "message"
	ActionEmail       ActionType = "email"
	ActionAppointment ActionType = "appointment"
)

// ActionForClass maps a lead event class to its action type.
func ActionForClass(c EventClass) (ActionType, bool) {
	switch c {
	case ClassLeadPhone:
		return ActionPhone, true
	case ClassLeadWhatsApp:
		return ActionWhatsApp, true
	case ClassLeadMessage:
		return ActionMessage, true
	case ClassLeadEmail:
		return ActionEmail, true
	case ClassLeadAppointment:
		return ActionAppointment, true
	default:
		return "", false
	}
}

// leadNamespace scopes name-based lead ids.
var leadNamespace = uuid.MustParse("6f1c2f0e-55b4-4a8e-9a0f-3b2d7c1e8a41")

// LeadKey identifies a lead. ListingID is empty for profile and development
// contexts.
type LeadKey struct {
	ListerID    string      `json:"lister_id"`
	ListerType  ListerType  `json:"lister_type"`
	SeekerID    string      `json:"seeker_id"`
	ListingID   string      `json:"listing_id,omitempty"`
	ContextType ContextType `json:"context_type"`
}

// ID returns a deterministic id for the key, so that replays and concurrent
// writers agree on the lead row.
func (k LeadKey) ID() string {
	name := string(k.ListerType) + "\x00" + k.ListerID + "\x00" + k.SeekerID + "\x00" + k.ListingID + "\x00" + string(k.ContextType)
	return uuid.NewSHA1(leadNamespace, []byte(name)).String()
}

// Validate checks that the key is complete.
func (k LeadKey) Validate() error {
	if k.ListerID == "" {
		return eris.New("lead: missing lister id")
	}
	if _, ok := ProfileKind(k.ListerType); !ok {
		return eris.Errorf("lead: unknown lister type %q", k.ListerType)
	}
	if k.SeekerID == "" {
		return eris.New("lead: missing seeker id")
	}
	return nil
}

// LeadAction is one recorded seeker action on a lead.
type LeadAction struct {
	EventID    string     `json:"event_id"`
	Type       ActionType `json:"action_type"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Lead is the persisted lead record.
type Lead struct {
	ID              string     `json:"id"`
	Key             LeadKey    `json:"key"`
	Status          LeadStatus `json:"status"`
	Score           float64    `json:"score"`
	Tier            Tier       `json:"tier"`
	IsLoggedIn      bool       `json:"is_logged_in"`
	FirstActionDate time.Time  `json:"first_action_date"`
	LastActionDate  time.Time  `json:"last_action_date"`
	TotalActions    int        `json:"total_actions"`
	ContactedAt     *time.Time `json:"contacted_at,omitempty"`
	ScoredAt        time.Time  `json:"scored_at"`
}

// LeadActionRecord is a lead action produced by a window, ready to be stored.
type LeadActionRecord struct {
	Key        LeadKey
	Action     LeadAction
	IsLoggedIn bool
}

// OutboundRecord is a lister-to-seeker message produced by a window.
type OutboundRecord struct {
	Key        LeadKey
	EventID    string
	OccurredAt time.Time
}
