// Package leads scores leads from their action history.
package leads

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/model"
)

// DefaultScoringConfig returns the production scoring settings.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Weights: map[string]float64{
			string(model.ActionAppointment): 20,
			string(model.ActionPhone):       10,
			string(model.ActionWhatsApp):    8,
			string(model.ActionMessage):     5,
			string(model.ActionEmail):       5,
			string(model.ActionView):        1,
		},
		HalfLifeDays:    30,
		RecencyBoost:    0.5,
		MaxScore:        100,
		HighThreshold:   60,
		MediumThreshold: 25,
	}
}

var actionTypes = []model.ActionType{
	model.ActionView,
	model.ActionPhone,
	model.ActionWhatsApp,
	model.ActionMessage,
	model.ActionEmail,
	model.ActionAppointment,
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	known := make(map[string]bool, len(actionTypes))
	for _, a := range actionTypes {
		known[string(a)] = true
	}
	names := make([]string, 0, len(c.Weights))
	for name := range c.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("unknown action type %q in weights", name))
		}
		if c.Weights[name] < 0 {
			errs = append(errs, fmt.Sprintf("weight for %s must be >= 0", name))
		}
	}

	if c.HalfLifeDays <= 0 {
		errs = append(errs, "half_life_days must be > 0")
	}
	if c.RecencyBoost < 0 {
		errs = append(errs, "recency_boost must be >= 0")
	}
	if c.MaxScore <= 0 {
		errs = append(errs, "max_score must be > 0")
	}
	if c.MediumThreshold < 0 || c.HighThreshold < c.MediumThreshold {
		errs = append(errs, "thresholds must satisfy 0 <= medium_threshold <= high_threshold")
	}
	if c.HighThreshold > c.MaxScore {
		errs = append(errs, "high_threshold must be <= max_score")
	}

	if len(errs) > 0 {
		return eris.Errorf("leads: scoring config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Scorer computes lead scores. It is immutable and safe for concurrent use.
type Scorer struct {
	weights  map[model.ActionType]float64
	halfLife time.Duration
	boost    float64
	max      float64
	high     float64
	medium   float64
}

// NewScorer validates c and builds a Scorer.
func NewScorer(c config.ScoringConfig) (*Scorer, error) {
	if err := ValidateConfig(c); err != nil {
		return nil, err
	}
	s := &Scorer{
		weights:  make(map[model.ActionType]float64, len(c.Weights)),
		halfLife: time.Duration(c.HalfLifeDays * float64(24*time.Hour)),
		boost:    c.RecencyBoost,
		max:      c.MaxScore,
		high:     c.HighThreshold,
		medium:   c.MediumThreshold,
	}
	for name, w := range c.Weights {
		s.weights[model.ActionType(name)] = w
	}
	return s, nil
}

// Score is the weighted sum of actions, clipped to [0, max] and rounded to
// two decimals. Each action's weight is scaled by its recency within the
// lead's history, measured from the lead's first action: the earliest burst
// counts at face value and later actions count up to 1+boost times. A term
// depends only on its own action and the first action, so adding actions
// never lowers the score.
func (s *Scorer) Score(actions []model.LeadAction) float64 {
	if len(actions) == 0 {
		return 0
	}
	first := actions[0].OccurredAt
	for _, a := range actions[1:] {
		if a.OccurredAt.Before(first) {
			first = a.OccurredAt
		}
	}

	var total float64
	for _, a := range actions {
		total += s.weights[a.Type] * s.recency(a.OccurredAt.Sub(first))
	}
	total = math.Min(math.Max(total, 0), s.max)
	return math.Round(total*100) / 100
}

// recency grows from 1 toward 1+boost; the gap to 1+boost halves every
// half-life.
func (s *Scorer) recency(sinceFirst time.Duration) float64 {
	if sinceFirst <= 0 {
		return 1
	}
	return 1 + s.boost*(1-math.Pow(0.5, float64(sinceFirst)/float64(s.halfLife)))
}

// Tier classifies a score.
func (s *Scorer) Tier(score float64) model.Tier {
	switch {
	case score >= s.high:
		return model.TierHigh
	case score >= s.medium:
		return model.TierMedium
	default:
		return model.TierBase
	}
}

// Evaluate returns the score and tier of an action list.
func (s *Scorer) Evaluate(actions []model.LeadAction) (float64, model.Tier) {
	score := s.Score(actions)
	return score, s.Tier(score)
}
