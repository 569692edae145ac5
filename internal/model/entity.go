package model

import (
	"github.com/rotisserie/eris"
)

// EntityKind names the business entity a bucket or rollup belongs to.
type EntityKind string

const (
	EntityListing          EntityKind = "listing"
	EntityDevelopment      EntityKind = "development"
	EntityDeveloperProfile EntityKind = "developer_profile"
	EntityAgentProfile     EntityKind = "agent_profile"
	EntityAgencyProfile    EntityKind = "agency_profile"
)

// EntityKinds lists every kind in a stable order.
var EntityKinds = []EntityKind{
	EntityListing,
	EntityDevelopment,
	EntityDeveloperProfile,
	EntityAgentProfile,
	EntityAgencyProfile,
}

// ParseEntityKind converts a string into an EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	for _, k := range EntityKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", eris.Errorf("unknown entity kind: %q", s)
}

// IsProfile reports whether k is one of the lister profile kinds.
func (k EntityKind) IsProfile() bool {
	switch k {
	case EntityDeveloperProfile, EntityAgentProfile, EntityAgencyProfile:
		return true
	default:
		return false
	}
}

// ListerType returns the lister type of a profile kind.
func (k EntityKind) ListerType() (ListerType, bool) {
	switch k {
	case EntityDeveloperProfile:
		return ListerDeveloper, true
	case EntityAgentProfile:
		return ListerAgent, true
	case EntityAgencyProfile:
		return ListerAgency, true
	default:
		return "", false
	}
}

// ProfileKind maps a lister type to the entity kind of its profile.
func ProfileKind(t ListerType) (EntityKind, bool) {
	switch t {
	case ListerDeveloper:
		return EntityDeveloperProfile, true
	case ListerAgent:
		return EntityAgentProfile, true
	case ListerAgency:
		return EntityAgencyProfile, true
	default:
		return "", false
	}
}

// EntityRef identifies one entity.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}
