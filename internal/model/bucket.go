package model

import (
	"time"
)

// DailyBucket is the hour value of a bucket that covers a whole day.
const DailyBucket = -1

// BucketKey identifies one aggregation bucket.
type BucketKey struct {
	Entity EntityRef
	Date   time.Time // midnight of the bucket day, UTC-normalized calendar date
	Hour   int       // 0-23, or DailyBucket
}

// Counters holds the additive counters tracked per bucket and per rollup.
type Counters struct {
	Views             int64 `json:"views"`
	UniqueViews       int64 `json:"unique_views"`
	Impressions       int64 `json:"impressions"`
	ImpressionsSearch int64 `json:"impressions_search"`
	ImpressionsFeat   int64 `json:"impressions_featured"`
	ImpressionsSim    int64 `json:"impressions_similar"`
	ImpressionsOther  int64 `json:"impressions_other"`
	LeadActions       int64 `json:"lead_actions"`
	UniqueLeads       int64 `json:"unique_leads"`
	AnonymousLeads    int64 `json:"anonymous_leads"`
	LeadPhone         int64 `json:"lead_phone"`
	LeadWhatsApp      int64 `json:"lead_whatsapp"`
	LeadMessage       int64 `json:"lead_message"`
	LeadEmail         int64 `json:"lead_email"`
	LeadAppointment   int64 `json:"lead_appointment"`
}

// CounterColumns are the SQL column names of Counters, in the order used by
// Values and Pointers.
var CounterColumns = []string{
	"views",
	"unique_views",
	"impressions",
	"impressions_search",
	"impressions_featured",
	"impressions_similar",
	"impressions_other",
	"lead_actions",
	"unique_leads",
	"anonymous_leads",
	"lead_phone",
	"lead_whatsapp",
	"lead_message",
	"lead_email",
	"lead_appointment",
}

// Values returns the counters as query arguments, ordered like CounterColumns.
func (c Counters) Values() []any {
	return []any{
		c.Views,
		c.UniqueViews,
		c.Impressions,
		c.ImpressionsSearch,
		c.ImpressionsFeat,
		c.ImpressionsSim,
		c.ImpressionsOther,
		c.LeadActions,
		c.UniqueLeads,
		c.AnonymousLeads,
		c.LeadPhone,
		c.LeadWhatsApp,
		c.LeadMessage,
		c.LeadEmail,
		c.LeadAppointment,
	}
}

// Pointers returns scan destinations, ordered like CounterColumns.
func (c *Counters) Pointers() []any {
	return []any{
		&c.Views,
		&c.UniqueViews,
		&c.Impressions,
		&c.ImpressionsSearch,
		&c.ImpressionsFeat,
		&c.ImpressionsSim,
		&c.ImpressionsOther,
		&c.LeadActions,
		&c.UniqueLeads,
		&c.AnonymousLeads,
		&c.LeadPhone,
		&c.LeadWhatsApp,
		&c.LeadMessage,
		&c.LeadEmail,
		&c.LeadAppointment,
	}
}

// Add returns c + o.
func (c Counters) Add(o Counters) Counters {
	return c.combine(o, 1)
}

// Sub returns c - o.
func (c Counters) Sub(o Counters) Counters {
	return c.combine(o, -1)
}

func (c Counters) combine(o Counters, sign int64) Counters {
	out := c
	dst := out.Pointers()
	src := o.Values()
	for i := range dst {
		*(dst[i].(*int64)) += sign * src[i].(int64)
	}
	return out
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// BucketRow is one persisted bucket.
type BucketRow struct {
	EntityID   string     `json:"entity_id"`
	EntityKind EntityKind `json:"entity_kind"`
	Date       time.Time  `json:"date"`
	Hour       int        `json:"hour"`
	Counters
}

// Key returns the bucket key of the row.
func (r BucketRow) Key() BucketKey {
	return BucketKey{Entity: EntityRef{Kind: r.EntityKind, ID: r.EntityID}, Date: r.Date, Hour: r.Hour}
}

// Contribution is the share of one bucket produced by one aggregation window.
// Replaying a window replaces its contributions rather than adding to them.
type Contribution struct {
	Key      BucketKey
	Counters Counters
}

// Rollup is the all-time counter set stored on an entity record.
type Rollup struct {
	Entity    EntityRef `json:"entity"`
	Counters  Counters  `json:"counters"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingDelta is a rollup delta recorded with a window commit and not yet
// applied to the entity record.
type PendingDelta struct {
	Entity EntityRef
	Delta  Counters
}
