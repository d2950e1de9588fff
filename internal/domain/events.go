package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies one of the telemetry event types emitted by a game server
type EventKind string

// Event kinds, named as they appear on the wire
const (
	KindPlayerDamaged      EventKind = "PLAYER_DAMAGED"
	KindPlayerWounded      EventKind = "PLAYER_WOUNDED"
	KindPlayerDied         EventKind = "PLAYER_DIED"
	KindPlayerRevived      EventKind = "PLAYER_REVIVED"
	KindChatMessage        EventKind = "CHAT_MESSAGE"
	KindPlayerConnected    EventKind = "PLAYER_CONNECTED"
	KindPlayerDisconnected EventKind = "PLAYER_DISCONNECTED"
)

// Kinds lists every event kind, in a stable order
var Kinds = []EventKind{
	KindPlayerDamaged,
	KindPlayerWounded,
	KindPlayerDied,
	KindPlayerRevived,
	KindChatMessage,
	KindPlayerConnected,
	KindPlayerDisconnected,
}

// ErrMalformedPayload is returned when an event payload cannot be decoded.
// Events failing this way are never retried.
var ErrMalformedPayload = errors.New("malformed event payload")

// ParseEventKind maps a wire event name to its kind
func ParseEventKind(name string) (EventKind, bool) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

func (k EventKind) String() string {
	return string(k)
}

// RawEvent is a telemetry event as received from a server, tagged on receipt.
// Payload holds the exact bytes received so dead-letter records can show them.
type RawEvent struct {
	ID          string          `json:"id"`
	Kind        EventKind       `json:"event"`
	ServerID    string          `json:"serverID"`
	ArrivalTime time.Time       `json:"arrivalTime"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Payload     json.RawMessage `json:"data"`
}

// NewRawEvent tags a payload with server identity, a fresh ID and the receipt time.
// OccurredAt is taken from the payload's time field when present.
func NewRawEvent(kind EventKind, serverID string, payload []byte, received time.Time) RawEvent {
	data := make(json.RawMessage, len(payload))
	copy(data, payload)

	ev := RawEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		ServerID:    serverID,
		ArrivalTime: received,
		OccurredAt:  received,
		Payload:     data,
	}
	if t, ok := payloadTime(data); ok {
		ev.OccurredAt = t
	}
	return ev
}

// payloadTime extracts the "time" field, which is an ISO string or epoch millis
func payloadTime(data []byte) (time.Time, bool) {
	var envelope struct {
		Time json.RawMessage `json:"time"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Time) == 0 {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(envelope.Time, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		return time.Time{}, false
	}

	var ms int64
	if err := json.Unmarshal(envelope.Time, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
