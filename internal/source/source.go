// Package source reads raw events for an aggregation window, either from the
// event-capture API or from an export file.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/resilience"
	"github.com/sells-group/listing-analytics/pkg/capture"
)

// ErrUnavailable marks a fetch that failed after retries. A run that sees it
// stops without advancing the watermark.
var ErrUnavailable = eris.New("source: unavailable")

// UnavailableError wraps the last fetch failure and matches ErrUnavailable.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "source: unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) hold.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Query selects one page of events.
type Query struct {
	Window model.Window
	Events []string
	Cursor string
	Limit  int
}

// Batch is one page of events. Next is empty on the last page.
type Batch struct {
	Events []model.RawEvent
	Next   string
}

// Source is the fetch(time_range, event_names, cursor) contract.
type Source interface {
	Fetch(ctx context.Context, q Query) (*Batch, error)
}

// Adapter is the Source backed by the event-capture API, with retries and a
// circuit breaker in front of it.
type Adapter struct {
	client   capture.Client
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	pageSize int
}

// NewAdapter wraps client using the retry and circuit settings in cfg.
func NewAdapter(client capture.Client, cfg config.SourceConfig) *Adapter {
	rc := resilience.SourceRetry(cfg)
	rc.OnRetry = resilience.RetryLogger("source.adapter", "fetch")

	cc := resilience.SourceCircuit(cfg)
	cc.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("source circuit state changed",
			zap.String("component", "source.adapter"),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return &Adapter{
		client:   client,
		retry:    rc,
		breaker:  resilience.NewCircuitBreaker(cc),
		pageSize: cfg.PageSize,
	}
}

// NewCaptureAdapter builds the capture client and adapter from config.
func NewCaptureAdapter(cfg config.SourceConfig) *Adapter {
	opts := []capture.Option{capture.WithRateLimit(cfg.RateLimit)}
	if cfg.ProjectID != "" {
		opts = append(opts, capture.WithProject(cfg.ProjectID))
	}
	if cfg.TimeoutSecs > 0 {
		opts = append(opts, capture.WithTimeout(time.Duration(cfg.TimeoutSecs)*time.Second))
	}
	return NewAdapter(capture.NewClient(cfg.BaseURL, cfg.APIKey, opts...), cfg)
}

// Fetch returns one page. Transient failures are retried; when retries are
// exhausted or the circuit is open the error matches ErrUnavailable.
func (a *Adapter) Fetch(ctx context.Context, q Query) (*Batch, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = a.pageSize
	}
	req := capture.FetchRequest{
		After:  q.Window.Start,
		Before: q.Window.End,
		Events: q.Events,
		Cursor: q.Cursor,
		Limit:  limit,
	}

	page, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*capture.Page, error) {
		return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*capture.Page, error) {
			p, err := a.client.Fetch(ctx, req)
			return p, classify(err)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "source: fetch cancelled")
		}
		return nil, &UnavailableError{Err: err}
	}

	b := &Batch{Next: page.Next, Events: make([]model.RawEvent, 0, len(page.Results))}
	for _, e := range page.Results {
		b.Events = append(b.Events, ToRawEvent(e))
	}
	return b, nil
}

// classify marks retryable HTTP statuses as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *capture.StatusError
	if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
		return resilience.NewTransientError(err, se.StatusCode)
	}
	return err
}

// ToRawEvent converts an API event. Properties may arrive as an object, a
// JSON string holding an object, or null; anything else marks the event
// malformed.
func ToRawEvent(e capture.Event) model.RawEvent {
	ev := model.RawEvent{
		ID:         e.UUID,
		Name:       e.Event,
		OccurredAt: e.Timestamp.UTC(),
		ActorKey:   e.DistinctID,
	}
	props, err := DecodeProperties(e.Properties)
	if err != nil {
		ev.PayloadError = err.Error()
		return ev
	}
	ev.Properties = props
	return ev
}

// DecodeProperties decodes a raw property payload.
func DecodeProperties(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}

	var props map[string]any
	if err := json.Unmarshal(raw, &props); err == nil {
		if props == nil {
			props = map[string]any{}
		}
		return props, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, eris.New("properties: not an object")
	}
	if err := json.Unmarshal([]byte(encoded), &props); err != nil {
		return nil, eris.Wrap(err, "properties: decode embedded json")
	}
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}

// Collect fetches every page of q and returns the events in occurrence order.
// The returned cursor is the last non-empty page cursor seen.
func Collect(ctx context.Context, src Source, q Query) ([]model.RawEvent, string, error) {
	var events []model.RawEvent
	cursor := q.Cursor
	last := ""
	for {
		q.Cursor = cursor
		b, err := src.Fetch(ctx, q)
		if err != nil {
			return nil, last, err
		}
		events = append(events, b.Events...)
		if b.Next == "" || b.Next == cursor {
			break
		}
		cursor = b.Next
		last = b.Next
	}
	SortEvents(events)
	return events, last, nil
}

// SortEvents orders events by occurrence time, keeping source order for ties.
func SortEvents(events []model.RawEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}
