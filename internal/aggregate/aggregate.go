// Package aggregate reduces the attributions of one window into bucket
// contributions, lead actions and outbound messages.
package aggregate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/dedup"
	"github.com/sells-group/listing-analytics/internal/model"
)

// Impression sub-channels.
const (
	ChannelSearch   = "search"
	ChannelFeatured = "featured"
	ChannelSimilar  = "similar"
	ChannelOther    = "other"
)

// Aggregator computes bucket keys and counter increments.
type Aggregator struct {
	hourly bool
	loc    *time.Location
}

// New creates an Aggregator from bucket settings.
func New(cfg config.BucketConfig) (*Aggregator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, eris.Wrap(err, "aggregate: bucket timezone")
	}
	return &Aggregator{hourly: cfg.Hourly, loc: loc}, nil
}

// Output is the reduced content of one window.
type Output struct {
	Contributions []model.Contribution
	LeadActions   []model.LeadActionRecord
	Outbound      []model.OutboundRecord

	// Duplicates counts events seen more than once by fingerprint.
	Duplicates int64
	// UnknownListerType counts lead actions skipped because the lister type
	// could not be resolved. Their bucket counters are still recorded.
	UnknownListerType int64
}

type unit struct {
	att    model.Attribution
	target model.EntityRef
}

// Reduce folds attributions into an Output. Input order does not matter:
// attributions are sorted by time and fingerprint first, so the same window
// always reduces to the same result.
func (a *Aggregator) Reduce(ctx context.Context, scope *dedup.Scope, atts []model.Attribution) (*Output, error) {
	sorted := make([]model.Attribution, len(atts))
	copy(sorted, atts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
		}
		return sorted[i].EventID < sorted[j].EventID
	})

	out := &Output{}
	seenEvents := make(map[string]struct{}, len(sorted))
	var units []unit
	var views []model.Attribution
	qualified := make(map[model.LeadKey]struct{})

	for _, att := range sorted {
		if _, dup := seenEvents[att.EventID]; dup {
			out.Duplicates++
			continue
		}
		seenEvents[att.EventID] = struct{}{}

		if att.Class == model.ClassOutboundMessage {
			if key, ok := att.LeadKey(); ok {
				out.Outbound = append(out.Outbound, model.OutboundRecord{Key: key, EventID: att.EventID, OccurredAt: att.OccurredAt})
			}
			continue
		}

		for _, t := range Targets(att) {
			units = append(units, unit{att: att, target: t})
		}

		switch {
		case att.Class.IsLead():
			key, ok := att.LeadKey()
			if !ok {
				out.UnknownListerType++
				continue
			}
			action, _ := model.ActionForClass(att.Class)
			qualified[key] = struct{}{}
			out.LeadActions = append(out.LeadActions, model.LeadActionRecord{
				Key:        key,
				Action:     model.LeadAction{EventID: att.EventID, Type: action, OccurredAt: att.OccurredAt},
				IsLoggedIn: att.IsLoggedIn,
			})
		case att.Class == model.ClassView:
			views = append(views, att)
		}
	}

	// Views count as lead actions only for leads that qualified in the same
	// window, so a window always yields the same lead history.
	for _, att := range views {
		key, ok := att.LeadKey()
		if !ok {
			continue
		}
		if _, ok := qualified[key]; !ok {
			continue
		}
		out.LeadActions = append(out.LeadActions, model.LeadActionRecord{
			Key:        key,
			Action:     model.LeadAction{EventID: att.EventID, Type: model.ActionView, OccurredAt: att.OccurredAt},
			IsLoggedIn: att.IsLoggedIn,
		})
	}

	keys := make([]string, len(units))
	for i, u := range units {
		keys[i] = scope.Key(u.att, u.target)
	}
	unique, err := scope.Resolve(ctx, keys)
	if err != nil {
		return nil, err
	}

	buckets := make(map[model.BucketKey]*model.Counters)
	var order []model.BucketKey
	for i, u := range units {
		bk := a.BucketKey(u.target, u.att.OccurredAt)
		c, ok := buckets[bk]
		if !ok {
			c = &model.Counters{}
			buckets[bk] = c
			order = append(order, bk)
		}
		Apply(c, u.att, unique[i])
	}

	sortBucketKeys(order)
	out.Contributions = make([]model.Contribution, 0, len(order))
	for _, bk := range order {
		out.Contributions = append(out.Contributions, model.Contribution{Key: bk, Counters: *buckets[bk]})
	}
	return out, nil
}

// Targets returns the entities an attribution counts toward: its primary
// entity and, when different, the lister profile.
func Targets(att model.Attribution) []model.EntityRef {
	var out []model.EntityRef
	primary, ok := att.PrimaryEntity()
	if ok {
		out = append(out, primary)
	}
	if profile, ok := att.ListerProfile(); ok && profile != primary {
		out = append(out, profile)
	}
	return out
}

// BucketKey returns the bucket an event at t falls into for entity.
func (a *Aggregator) BucketKey(entity model.EntityRef, t time.Time) model.BucketKey {
	local := t.In(a.loc)
	y, m, d := local.Date()
	hour := model.DailyBucket
	if a.hourly {
		hour = local.Hour()
	}
	return model.BucketKey{
		Entity: entity,
		Date:   time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Hour:   hour,
	}
}

// Apply adds one action to c. unique is the dedup verdict for the action.
func Apply(c *model.Counters, att model.Attribution, unique bool) {
	switch att.Class {
	case model.ClassView:
		c.Views++
		if unique {
			c.UniqueViews++
		}
	case model.ClassImpression:
		c.Impressions++
		switch ImpressionChannel(att.Channel) {
		case ChannelSearch:
			c.ImpressionsSearch++
		case ChannelFeatured:
			c.ImpressionsFeat++
		case ChannelSimilar:
			c.ImpressionsSim++
		default:
			c.ImpressionsOther++
		}
	case model.ClassLeadPhone, model.ClassLeadWhatsApp, model.ClassLeadMessage, model.ClassLeadEmail, model.ClassLeadAppointment:
		c.LeadActions++
		switch att.Class {
		case model.ClassLeadPhone:
			c.LeadPhone++
		case model.ClassLeadWhatsApp:
			c.LeadWhatsApp++
		case model.ClassLeadMessage:
			c.LeadMessage++
		case model.ClassLeadEmail:
			c.LeadEmail++
		case model.ClassLeadAppointment:
			c.LeadAppointment++
		}
		if unique {
			c.UniqueLeads++
			if !att.IsLoggedIn {
				c.AnonymousLeads++
			}
		}
	}
}

// ImpressionChannel maps a free-form channel value to a sub-channel.
func ImpressionChannel(channel string) string {
	c := strings.ToLower(channel)
	switch {
	case c == "":
		return ChannelOther
	case strings.Contains(c, "search") || c == "results" || c == "map":
		return ChannelSearch
	case strings.Contains(c, "feat") || strings.Contains(c, "premium") ||
		strings.Contains(c, "highlight") || strings.Contains(c, "destac"):
		return ChannelFeatured
	case strings.Contains(c, "similar") || strings.Contains(c, "recommend") || strings.Contains(c, "related"):
		return ChannelSimilar
	default:
		return ChannelOther
	}
}

func sortBucketKeys(keys []model.BucketKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
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
}
