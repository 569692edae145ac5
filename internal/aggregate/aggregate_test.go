package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/dedup"
	"github.com/sells-group/listing-analytics/internal/model"
)

var window = model.Window{
	Start: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
}

var (
	listingL1 = model.EntityRef{Kind: model.EntityListing, ID: "L1"}
	profileD1 = model.EntityRef{Kind: model.EntityDeveloperProfile, ID: "D1"}
)

func listingEvent(id string, class model.EventClass, seeker string, minute int) model.Attribution {
	return model.Attribution{
		EventID:     id,
		Class:       class,
		OccurredAt:  window.Start.Add(time.Duration(minute) * time.Minute),
		ListingID:   "L1",
		ListerID:    "D1",
		ListerType:  model.ListerDeveloper,
		SeekerID:    seeker,
		ContextType: model.ContextListing,
	}
}

func reduce(t *testing.T, agg *Aggregator, atts []model.Attribution) *Output {
	t.Helper()
	out, err := agg.Reduce(context.Background(), dedup.New(nil, 0).Begin(window), atts)
	require.NoError(t, err)
	return out
}

func daily(t *testing.T) *Aggregator {
	t.Helper()
	agg, err := New(config.BucketConfig{})
	require.NoError(t, err)
	return agg
}

func counters(out *Output, ref model.EntityRef) model.Counters {
	var c model.Counters
	for _, ct := range out.Contributions {
		if ct.Key.Entity == ref {
			c = c.Add(ct.Counters)
		}
	}
	return c
}

func TestReduce_ActionsVersusUnique(t *testing.T) {
	t.Parallel()

	out := reduce(t, daily(t), []model.Attribution{
		listingEvent("e1", model.ClassLeadPhone, "abc", 1),
		listingEvent("e2", model.ClassLeadPhone, "abc", 2),
		listingEvent("e3", model.ClassView, "abc", 3),
		listingEvent("e4", model.ClassView, "abc", 4),
		listingEvent("e5", model.ClassView, "xyz", 5),
	})

	c := counters(out, listingL1)
	assert.EqualValues(t, 2, c.LeadActions)
	assert.EqualValues(t, 2, c.LeadPhone)
	assert.EqualValues(t, 1, c.UniqueLeads)
	assert.EqualValues(t, 1, c.AnonymousLeads)
	assert.EqualValues(t, 3, c.Views)
	assert.EqualValues(t, 2, c.UniqueViews)

	// The lister profile receives the same counters.
	assert.Equal(t, c, counters(out, profileD1))
}

func TestReduce_LoggedInLeadsAreNotAnonymous(t *testing.T) {
	t.Parallel()

	e := listingEvent("e1", model.ClassLeadMessage, "user-1", 1)
	e.IsLoggedIn = true
	out := reduce(t, daily(t), []model.Attribution{e})

	c := counters(out, listingL1)
	assert.EqualValues(t, 1, c.UniqueLeads)
	assert.EqualValues(t, 0, c.AnonymousLeads)
	assert.EqualValues(t, 1, c.LeadMessage)
}

func TestReduce_OrderIndependent(t *testing.T) {
	t.Parallel()

	atts := []model.Attribution{
		listingEvent("e1", model.ClassView, "abc", 1),
		listingEvent("e2", model.ClassLeadEmail, "abc", 20),
		listingEvent("e3", model.ClassImpression, "q", 30),
	}
	reversed := []model.Attribution{atts[2], atts[1], atts[0]}

	agg := daily(t)
	assert.Equal(t, reduce(t, agg, atts), reduce(t, agg, reversed))
}

func TestReduce_DuplicateFingerprints(t *testing.T) {
	t.Parallel()

	e := listingEvent("e1", model.ClassView, "abc", 1)
	out := reduce(t, daily(t), []model.Attribution{e, e})
	assert.EqualValues(t, 1, out.Duplicates)
	assert.EqualValues(t, 1, counters(out, listingL1).Views)
}

func TestReduce_Impressions(t *testing.T) {
	t.Parallel()

	var atts []model.Attribution
	for i, ch := range []string{"search_results", "featured", "similar_listings", "homepage", ""} {
		e := listingEvent(string(rune('a'+i)), model.ClassImpression, "abc", i)
		e.Channel = ch
		atts = append(atts, e)
	}
	c := counters(reduce(t, daily(t), atts), listingL1)
	assert.EqualValues(t, 5, c.Impressions)
	assert.EqualValues(t, 1, c.ImpressionsSearch)
	assert.EqualValues(t, 1, c.ImpressionsFeat)
	assert.EqualValues(t, 1, c.ImpressionsSim)
	assert.EqualValues(t, 2, c.ImpressionsOther)
}

func TestReduce_LeadActions(t *testing.T) {
	t.Parallel()

	other := listingEvent("v2", model.ClassView, "xyz", 1)
	out := reduce(t, daily(t), []model.Attribution{
		listingEvent("v1", model.ClassView, "abc", 0),
		listingEvent("p1", model.ClassLeadPhone, "abc", 5),
		listingEvent("a1", model.ClassLeadAppointment, "abc", 9),
		other,
	})

	require.Len(t, out.LeadActions, 3)
	var types []model.ActionType
	for _, r := range out.LeadActions {
		assert.Equal(t, "abc", r.Key.SeekerID)
		assert.Equal(t, "L1", r.Key.ListingID)
		types = append(types, r.Action.Type)
	}
	assert.ElementsMatch(t, []model.ActionType{model.ActionPhone, model.ActionAppointment, model.ActionView}, types)
}

func TestReduce_UnknownListerType(t *testing.T) {
	t.Parallel()

	e := listingEvent("e1", model.ClassLeadWhatsApp, "abc", 1)
	e.ListerType = ""
	out := reduce(t, daily(t), []model.Attribution{e})

	assert.EqualValues(t, 1, out.UnknownListerType)
	assert.Empty(t, out.LeadActions)
	// Listing bucket still counts the action; no profile bucket exists.
	assert.EqualValues(t, 1, counters(out, listingL1).LeadWhatsApp)
	assert.True(t, counters(out, profileD1).IsZero())
}

func TestReduce_Outbound(t *testing.T) {
	t.Parallel()

	e := listingEvent("o1", model.ClassOutboundMessage, "abc", 30)
	out := reduce(t, daily(t), []model.Attribution{e})
	require.Len(t, out.Outbound, 1)
	assert.Equal(t, "o1", out.Outbound[0].EventID)
	assert.Empty(t, out.Contributions)
}

func TestReduce_ProfileContext(t *testing.T) {
	t.Parallel()

	e := model.Attribution{
		EventID: "e1", Class: model.ClassView, OccurredAt: window.Start,
		ListerID: "D1", ListerType: model.ListerDeveloper, SeekerID: "abc", ContextType: model.ContextProfile,
	}
	out := reduce(t, daily(t), []model.Attribution{e})
	require.Len(t, out.Contributions, 1)
	assert.Equal(t, profileD1, out.Contributions[0].Key.Entity)
}

func TestBucketKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 2, 3, 30, 0, 0, time.UTC)

	k := daily(t).BucketKey(listingL1, at)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), k.Date)
	assert.Equal(t, model.DailyBucket, k.Hour)

	hourly, err := New(config.BucketConfig{Hourly: true, Timezone: "America/Mexico_City"})
	require.NoError(t, err)
	k = hourly.BucketKey(listingL1, at)
	// 03:30 UTC is 21:30 the previous day in Mexico City (UTC-6).
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), k.Date)
	assert.Equal(t, 21, k.Hour)
}

func TestNew_BadTimezone(t *testing.T) {
	t.Parallel()

	_, err := New(config.BucketConfig{Timezone: "Nowhere/Void"})
	assert.Error(t, err)
}

func TestImpressionChannel(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"search":          ChannelSearch,
		"Search_Results":  ChannelSearch,
		"map":             ChannelSearch,
		"featured":        ChannelFeatured,
		"premium_slot":    ChannelFeatured,
		"destacados":      ChannelFeatured,
		"similar":         ChannelSimilar,
		"recommendations": ChannelSimilar,
		"home":            ChannelOther,
		"":                ChannelOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, ImpressionChannel(in), in)
	}
}
