// Package event defines the telemetry event record and its canonical
// JSON wire form. Events are produced on-device, enqueued into the
// processing pipeline, persisted in the event store and finally
// published over MQTT. An Event is immutable once serialized; the
// serialized string is the unit that flows between components.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timezone offset bounds in minutes (UTC-12:00 .. UTC+14:00).
const (
	MinTimezoneOffset = -720
	MaxTimezoneOffset = 840
)

// Well-known event ids emitted by the client itself.
const (
	IDSessionStatus       = "SessionStatus"
	IDFirmwareVersion     = "FirmwareVersion"
	IDMQTTConfig          = "MQTTConfig"
	IDNotificationFailure = "NotificationFailure"
	IDAppLaunch           = "AppLaunch"
	IDIgnStatus           = "IgnStatus"
)

// Event is a structured, timestamped record emitted by an on-device
// producer. The JSON field names are the wire contract with the cloud
// backend and must not change.
type Event struct {
	EventID          string         `json:"EventID"`
	Version          string         `json:"Version"`
	Timestamp        int64          `json:"Timestamp"`          // ms since epoch, producer clock
	Timezone         int            `json:"Timezone"`           // minutes east of UTC
	Data             map[string]any `json:"Data"`
	Attachments      []string       `json:"UploadId,omitempty"` // ordered attachment filenames
	BizTransactionID string         `json:"BizTransactionId,omitempty"`
	MessageID        string         `json:"MessageId,omitempty"`
	CorrelationID    string         `json:"CorrelationId,omitempty"`
	PII              map[string]any `json:"pii,omitempty"`

	attach *attachState
}

// New creates an event with the given id and version, stamped with the
// current wall clock and local timezone offset, and an empty Data map.
func New(eventID, version string) *Event {
	now := time.Now()
	_, offsetSec := now.Zone()
	return &Event{
		EventID:   eventID,
		Version:   version,
		Timestamp: now.UnixMilli(),
		Timezone:  offsetSec / 60,
		Data:      map[string]any{},
	}
}

// AddField sets a key in the event's Data map, allocating it if needed.
// Returns the event for chaining.
func (e *Event) AddField(key string, value any) *Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

// WithMessageID stamps a fresh UUID as the MessageId. UUIDv7 keeps the
// ids time-sortable; v4 is the fallback if the clock source fails.
func (e *Event) WithMessageID() *Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	e.MessageID = id.String()
	return e
}

// Serialize returns the canonical JSON form of the event.
func (e *Event) Serialize() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("serialize event %s: %w", e.EventID, err)
	}
	return string(b), nil
}

// Parse decodes a serialized event. It validates the structural
// invariants every component relies on: non-empty EventID and a
// timezone offset inside [MinTimezoneOffset, MaxTimezoneOffset].
func Parse(serialized string) (*Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(serialized), &e); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if e.EventID == "" {
		return nil, fmt.Errorf("parse event: missing EventID")
	}
	if e.Timezone < MinTimezoneOffset || e.Timezone > MaxTimezoneOffset {
		return nil, fmt.Errorf("parse event %s: timezone offset %d out of range", e.EventID, e.Timezone)
	}
	return &e, nil
}

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
