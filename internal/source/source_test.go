package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/config"
	"github.com/sells-group/listing-analytics/internal/model"
	"github.com/sells-group/listing-analytics/internal/resilience"
	"github.com/sells-group/listing-analytics/pkg/capture"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeClient replays a fixed sequence of responses.
type fakeClient struct {
	mu        sync.Mutex
	responses []fakeResponse
	requests  []capture.FetchRequest
}

type fakeResponse struct {
	page *capture.Page
	err  error
}

func (f *fakeClient) Fetch(_ context.Context, req capture.FetchRequest) (*capture.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return &capture.Page{}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.page, r.err
}

var hour = model.Window{
	Start: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
}

func newTestAdapter(client capture.Client, cfg config.SourceConfig) *Adapter {
	a := NewAdapter(client, cfg)
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = 5 * time.Millisecond
	return a
}

func apiEvent(id, name string, minute int, props string) capture.Event {
	return capture.Event{
		UUID:       id,
		Event:      name,
		Timestamp:  hour.Start.Add(time.Duration(minute) * time.Minute),
		DistinctID: "abc",
		Properties: json.RawMessage(props),
	}
}

func TestAdapter_FetchConvertsEvents(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{page: &capture.Page{
		Results: []capture.Event{
			apiEvent("e1", "property_view", 5, `{"listingId":"L1"}`),
			apiEvent("e2", "property_view", 6, `"{\"listing_id\":\"L2\"}"`),
			apiEvent("e3", "property_view", 7, `[1,2]`),
		},
		Next: "c2",
	}}}}

	a := newTestAdapter(client, config.SourceConfig{PageSize: 100})
	b, err := a.Fetch(context.Background(), Query{Window: hour, Events: []string{"property_view"}})
	require.NoError(t, err)
	require.Len(t, b.Events, 3)
	assert.Equal(t, "c2", b.Next)

	assert.Equal(t, "L1", b.Events[0].Properties["listingId"])
	assert.Equal(t, "L2", b.Events[1].Properties["listing_id"])
	assert.NotEmpty(t, b.Events[2].PayloadError)

	require.Len(t, client.requests, 1)
	assert.Equal(t, 100, client.requests[0].Limit)
	assert.Equal(t, hour.Start, client.requests[0].After)
	assert.Equal(t, hour.End, client.requests[0].Before)
}

func TestAdapter_RetriesTransientStatus(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{err: &capture.StatusError{StatusCode: http.StatusServiceUnavailable}},
		{page: &capture.Page{Results: []capture.Event{apiEvent("e1", "property_view", 1, `{}`)}}},
	}}

	b, err := newTestAdapter(client, config.SourceConfig{MaxRetries: 2}).Fetch(context.Background(), Query{Window: hour})
	require.NoError(t, err)
	assert.Len(t, b.Events, 1)
	assert.Len(t, client.requests, 2)
}

func TestAdapter_ExhaustedRetriesAreUnavailable(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{err: &capture.StatusError{StatusCode: http.StatusBadGateway}},
		{err: &capture.StatusError{StatusCode: http.StatusBadGateway}},
		{err: &capture.StatusError{StatusCode: http.StatusBadGateway}},
	}}

	_, err := newTestAdapter(client, config.SourceConfig{MaxRetries: 2, CircuitThreshold: 10}).Fetch(context.Background(), Query{Window: hour})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Len(t, client.requests, 3)

	var se *capture.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
}

func TestAdapter_PermanentErrorNotRetried(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{err: &capture.StatusError{StatusCode: http.StatusUnauthorized}},
	}}

	_, err := newTestAdapter(client, config.SourceConfig{MaxRetries: 3}).Fetch(context.Background(), Query{Window: hour})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Len(t, client.requests, 1)
}

func TestAdapter_CircuitOpens(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{err: &capture.StatusError{StatusCode: http.StatusUnauthorized}},
	}}
	a := newTestAdapter(client, config.SourceConfig{CircuitThreshold: 1, CircuitResetSecs: 3600})

	_, err := a.Fetch(context.Background(), Query{Window: hour})
	require.Error(t, err)

	_, err = a.Fetch(context.Background(), Query{Window: hour})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Len(t, client.requests, 1)
}

func TestAdapter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &fakeClient{responses: []fakeResponse{{err: context.Canceled}}}

	_, err := newTestAdapter(client, config.SourceConfig{}).Fetch(ctx, Query{Window: hour})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCollect_FollowsCursor(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{page: &capture.Page{Results: []capture.Event{apiEvent("e2", "property_view", 9, `{}`)}, Next: "c1"}},
		{page: &capture.Page{Results: []capture.Event{apiEvent("e1", "property_view", 3, `{}`)}, Next: "c2"}},
		{page: &capture.Page{}},
	}}

	events, cursor, err := Collect(context.Background(), newTestAdapter(client, config.SourceConfig{}), Query{Window: hour})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
	assert.Equal(t, "c2", cursor)

	require.Len(t, client.requests, 3)
	assert.Equal(t, "", client.requests[0].Cursor)
	assert.Equal(t, "c1", client.requests[1].Cursor)
	assert.Equal(t, "c2", client.requests[2].Cursor)
}

func TestCollect_StopsOnRepeatedCursor(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{page: &capture.Page{Next: "same"}},
		{page: &capture.Page{Next: "same"}},
	}}

	_, _, err := Collect(context.Background(), newTestAdapter(client, config.SourceConfig{}), Query{Window: hour})
	require.NoError(t, err)
	assert.Len(t, client.requests, 2)
}

func TestCollect_PropagatesUnavailable(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{page: &capture.Page{Next: "c1"}},
		{err: &capture.StatusError{StatusCode: http.StatusForbidden}},
	}}

	_, _, err := Collect(context.Background(), newTestAdapter(client, config.SourceConfig{}), Query{Window: hour})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestDecodeProperties(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "object", raw: `{"a":"b"}`, want: map[string]any{"a": "b"}},
		{name: "embedded json", raw: `"{\"a\":\"b\"}"`, want: map[string]any{"a": "b"}},
		{name: "null", raw: `null`, want: map[string]any{}},
		{name: "empty", raw: ``, want: map[string]any{}},
		{name: "array", raw: `[1]`, wantErr: true},
		{name: "bad embedded", raw: `"not json"`, wantErr: true},
		{name: "number", raw: `42`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeProperties(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
