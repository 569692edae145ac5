package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// EventClass is the canonical classification of an upstream event name.
type EventClass string

const (
	ClassView            EventClass = "view"
	ClassImpression      EventClass = "impression"
	ClassLeadPhone       EventClass = "lead_phone"
	ClassLeadWhatsApp    EventClass = "lead_whatsapp"
	ClassLeadMessage     EventClass = "lead_message"
	ClassLeadEmail       EventClass = "lead_email"
	ClassLeadAppointment EventClass = "lead_appointment"
	ClassOutboundMessage EventClass = "outbound_message"
)

// Event families group classes that share a uniqueness scope: a seeker who
// both phones and messages a lister is still one lead.
const (
	FamilyView       = "view"
	FamilyImpression = "impression"
	FamilyLead       = "lead"
	FamilyOutbound   = "outbound"
)

var allClasses = []EventClass{
	ClassView,
	ClassImpression,
	ClassLeadPhone,
	ClassLeadWhatsApp,
	ClassLeadMessage,
	ClassLeadEmail,
	ClassLeadAppointment,
	ClassOutboundMessage,
}

// Valid reports whether c is a known class.
func (c EventClass) Valid() bool {
	for _, k := range allClasses {
		if c == k {
			return true
		}
	}
	return false
}

// IsLead reports whether c is a seeker-initiated contact action.
func (c EventClass) IsLead() bool {
	switch c {
	case ClassLeadPhone, ClassLeadWhatsApp, ClassLeadMessage, ClassLeadEmail, ClassLeadAppointment:
		return true
	default:
		return false
	}
}

// Family returns the uniqueness family of the class.
func (c EventClass) Family() string {
	switch {
	case c == ClassView:
		return FamilyView
	case c == ClassImpression:
		return FamilyImpression
	case c == ClassOutboundMessage:
		return FamilyOutbound
	case c.IsLead():
		return FamilyLead
	default:
		return ""
	}
}

// ParseEventClass converts a string into an EventClass.
func ParseEventClass(s string) (EventClass, error) {
	c := EventClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", eris.Errorf("unknown event class: %q", s)
	}
	return c, nil
}

// DefaultEventClasses maps the upstream event names seen in production to
// their canonical class.
func DefaultEventClasses() map[string]EventClass {
	return map[string]EventClass{
		"property_view":          ClassView,
		"listing_view":           ClassView,
		"profile_view":           ClassView,
		"development_view":       ClassView,
		"property_impression":    ClassImpression,
		"listing_impression":     ClassImpression,
		"impression":             ClassImpression,
		"lead_phone":             ClassLeadPhone,
		"contact_phone_click":    ClassLeadPhone,
		"lead_whatsapp":          ClassLeadWhatsApp,
		"contact_whatsapp_click": ClassLeadWhatsApp,
		"lead_message":           ClassLeadMessage,
		"contact_form_submit":    ClassLeadMessage,
		"lead_email":             ClassLeadEmail,
		"lead_appointment":       ClassLeadAppointment,
		"appointment_requested":  ClassLeadAppointment,
		"outbound_message":       ClassOutboundMessage,
		"lister_message_sent":    ClassOutboundMessage,
	}
}

// ClassRegistry resolves upstream event names to classes.
type ClassRegistry struct {
	byName map[string]EventClass
}

// NewClassRegistry builds a registry from the defaults plus overrides
// (event name -> class name). An override with an empty class removes the name.
func NewClassRegistry(overrides map[string]string) (*ClassRegistry, error) {
	byName := make(map[string]EventClass)
	for name, c := range DefaultEventClasses() {
		byName[normalizeEventName(name)] = c
	}
	for name, cls := range overrides {
		key := normalizeEventName(name)
		if strings.TrimSpace(cls) == "" {
			delete(byName, key)
			continue
		}
		c, err := ParseEventClass(cls)
		if err != nil {
			return nil, eris.Wrapf(err, "events: override for %q", name)
		}
		byName[key] = c
	}
	return &ClassRegistry{byName: byName}, nil
}

// Classify returns the class of an event name.
func (r *ClassRegistry) Classify(name string) (EventClass, bool) {
	c, ok := r.byName[normalizeEventName(name)]
	return c, ok
}

// EventNames returns the registered event names in sorted order, suitable
// for the source query filter.
func (r *ClassRegistry) EventNames() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeEventName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
