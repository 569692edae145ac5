// Package analytics is the read side of the pipeline: entity analytics, the
// latest leads of a lister and per-channel lead trends.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/store"
)

// ErrInvalid marks a request the caller must fix.
var ErrInvalid = eris.New("analytics: invalid request")

const (
	dateLayout   = "2006-01-02"
	maxRangeDays = 366
	defaultDays  = 30

	defaultLeadLimit = 20
	maxLeadLimit     = 200
)

// Store is the persistence the read side needs.
type Store interface {
	ListBuckets(ctx context.Context, ref model.EntityRef, from, to time.Time) ([]model.BucketRow, error)
	GetRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error)
	ListLeads(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error)
}

// DateRange is a range of calendar days, From inclusive and To exclusive.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days returns the number of days in the range.
func (r DateRange) Days() int {
	return int(r.To.Sub(r.From).Hours() / 24)
}

// ParseRange reads a YYYY-MM-DD range. to is inclusive on the wire. Empty
// values default to the last 30 days ending today.
func ParseRange(from, to string, now time.Time) (DateRange, error) {
	today := day(now)
	end := today.AddDate(0, 0, 1)
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return DateRange{}, eris.Wrapf(ErrInvalid, "to %q is not YYYY-MM-DD", to)
		}
		end = t.AddDate(0, 0, 1)
	}
	start := end.AddDate(0, 0, -defaultDays)
	if from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return DateRange{}, eris.Wrapf(ErrInvalid, "from %q is not YYYY-MM-DD", from)
		}
		start = t
	}

	r := DateRange{From: start, To: end}
	if !r.To.After(r.From) {
		return DateRange{}, eris.Wrap(ErrInvalid, "from must not be after to")
	}
	if r.Days() > maxRangeDays {
		return DateRange{}, eris.Wrapf(ErrInvalid, "range exceeds %d days", maxRangeDays)
	}
	return r, nil
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Point is one day of an entity's counters.
type Point struct {
	Date time.Time `json:"date"`
	model.Counters
}

// EntityAnalytics is the answer to GetEntityAnalytics.
type EntityAnalytics struct {
	Entity model.EntityRef `json:"entity"`
	Range  DateRange       `json:"range"`
	// Totals sums the series over the range.
	Totals model.Counters `json:"totals"`
	// AllTime is the stored rollup; nil when the entity has none yet.
	AllTime *model.Counters `json:"all_time,omitempty"`
	Series  []Point         `json:"series"`
}

// ChannelPoint is one day of one lead channel.
type ChannelPoint struct {
	Date  time.Time `json:"date"`
	Count int64     `json:"count"`
}

// ChannelSeries is the daily series of one lead channel.
type ChannelSeries struct {
	Channel model.ActionType `json:"channel"`
	Total   int64            `json:"total"`
	Points  []ChannelPoint   `json:"points"`
}

// LeadTrends is the answer to GetLeadTrends.
type LeadTrends struct {
	ListerID   string           `json:"lister_id"`
	ListerType model.ListerType `json:"lister_type"`
	Range      DateRange        `json:"range"`
	Channels   []ChannelSeries  `json:"channels"`
	// UniqueLeads and AnonymousLeads are totals over the range.
	UniqueLeads    int64 `json:"unique_leads"`
	AnonymousLeads int64 `json:"anonymous_leads"`
}

// Service answers read queries.
type Service struct {
	store Store
}

// NewService creates a Service.
func NewService(s Store) *Service {
	return &Service{store: s}
}

// GetEntityAnalytics returns the daily series and totals of an entity over r.
// Hourly buckets are folded into their day and days with no bucket are zero.
func (s *Service) GetEntityAnalytics(ctx context.Context, ref model.EntityRef, r DateRange) (*EntityAnalytics, error) {
	if ref.ID == "" {
		return nil, eris.Wrap(ErrInvalid, "entity id is required")
	}
	if _, err := model.ParseEntityKind(string(ref.Kind)); err != nil {
		return nil, eris.Wrapf(ErrInvalid, "entity kind %q", ref.Kind)
	}

	series, totals, err := s.daily(ctx, ref, r)
	if err != nil {
		return nil, err
	}

	out := &EntityAnalytics{Entity: ref, Range: r, Totals: totals, Series: series}
	rollup, err := s.store.GetRollup(ctx, ref)
	switch {
	case err == nil:
		out.AllTime = &rollup.Counters
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, eris.Wrapf(err, "analytics: load rollup for %s", ref)
	}
	return out, nil
}

// GetLatestLeads returns a lister's leads, most recent action first.
func (s *Service) GetLatestLeads(ctx context.Context, listerID string, listerType model.ListerType, limit int) ([]model.Lead, error) {
	if err := checkLister(listerID, listerType); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLeadLimit
	}
	if limit > maxLeadLimit {
		limit = maxLeadLimit
	}
	leads, err := s.store.ListLeads(ctx, store.LeadFilter{ListerID: listerID, ListerType: listerType, Limit: limit})
	if err != nil {
		return nil, eris.Wrapf(err, "analytics: list leads for %s/%s", listerType, listerID)
	}
	if leads == nil {
		leads = []model.Lead{}
	}
	return leads, nil
}

// GetLeadTrends returns per-channel daily lead action counts from the lister
// profile buckets.
func (s *Service) GetLeadTrends(ctx context.Context, listerID string, listerType model.ListerType, r DateRange) (*LeadTrends, error) {
	if err := checkLister(listerID, listerType); err != nil {
		return nil, err
	}
	kind, _ := model.ProfileKind(listerType)

	series, totals, err := s.daily(ctx, model.EntityRef{Kind: kind, ID: listerID}, r)
	if err != nil {
		return nil, err
	}

	channels := []struct {
		action model.ActionType
		pick   func(model.Counters) int64
	}{
		{model.ActionPhone, func(c model.Counters) int64 { return c.LeadPhone }},
		{model.ActionWhatsApp, func(c model.Counters) int64 { return c.LeadWhatsApp }},
		{model.ActionMessage, func(c model.Counters) int64 { return c.LeadMessage }},
		{model.ActionEmail, func(c model.Counters) int64 { return c.LeadEmail }},
		{model.ActionAppointment, func(c model.Counters) int64 { return c.LeadAppointment }},
	}

	out := &LeadTrends{
		ListerID:       listerID,
		ListerType:     listerType,
		Range:          r,
		UniqueLeads:    totals.UniqueLeads,
		AnonymousLeads: totals.AnonymousLeads,
	}
	for _, ch := range channels {
		cs := ChannelSeries{Channel: ch.action, Total: ch.pick(totals), Points: make([]ChannelPoint, len(series))}
		for i, p := range series {
			cs.Points[i] = ChannelPoint{Date: p.Date, Count: ch.pick(p.Counters)}
		}
		out.Channels = append(out.Channels, cs)
	}
	return out, nil
}

// daily loads the buckets of ref in r and returns one point per day.
func (s *Service) daily(ctx context.Context, ref model.EntityRef, r DateRange) ([]Point, model.Counters, error) {
	rows, err := s.store.ListBuckets(ctx, ref, r.From, r.To)
	if err != nil {
		return nil, model.Counters{}, eris.Wrapf(err, "analytics: list buckets for %s", ref)
	}

	series := make([]Point, 0, r.Days())
	index := make(map[time.Time]int, r.Days())
	for d := r.From; d.Before(r.To); d = d.AddDate(0, 0, 1) {
		index[d] = len(series)
		series = append(series, Point{Date: d})
	}

	var totals model.Counters
	for _, row := range rows {
		i, ok := index[day(row.Date)]
		if !ok {
			continue
		}
		series[i].Counters = series[i].Counters.Add(row.Counters)
		totals = totals.Add(row.Counters)
	}
	return series, totals, nil
}

func checkLister(id string, t model.ListerType) error {
	if id == "" {
		return eris.Wrap(ErrInvalid, "lister id is required")
	}
	if _, ok := model.ProfileKind(t); !ok {
		return eris.Wrapf(ErrInvalid, "lister type %q", t)
	}
	return nil
}
