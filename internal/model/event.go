// Package model defines the data types shared by the attribution and aggregation pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// RawEvent is one behavioral event as captured by the upstream event store.
// It is never mutated after it leaves the source adapter.
type RawEvent struct {
	ID         string         `json:"uuid,omitempty"`
	Name       string         `json:"event"`
	OccurredAt time.Time      `json:"timestamp"`
	ActorKey   string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`

	// PayloadError is set by the source when the property payload could not
	// be decoded. Such events are counted as malformed and skipped.
	PayloadError string `json:"-"`
}

// Fingerprint returns a stable identifier for the event. The upstream uuid is
// used when present; otherwise a hash of name, timestamp, actor and properties.
//
// Events without a uuid that match on all four are treated as one delivery
// repeated by the source and are counted once. The capture API stamps
// timestamps at millisecond precision, so two genuine clicks by the same actor
// inside one millisecond with identical properties are also counted once.
func (e RawEvent) Fingerprint() string {
	if e.ID != "" {
		return e.ID
	}

	h := sha256.New()
	h.Write([]byte(e.Name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(e.OccurredAt.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.ActorKey))
	h.Write([]byte{0})
	// json.Marshal sorts map keys, so the encoding is deterministic.
	if props, err := json.Marshal(e.Properties); err == nil {
		h.Write(props)
	}
	return "fp_" + hex.EncodeToString(h.Sum(nil))[:32]
}
