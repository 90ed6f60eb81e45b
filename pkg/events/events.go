package events

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	TypeSessionCreated    = "session.created"
	TypeSessionApproved   = "session.approved"
	TypeSessionIssued     = "session.issued"
	TypeSessionRejected   = "session.rejected"
	TypeSessionCancelled  = "session.cancelled"
	TypeSessionRenewed    = "session.renewed"
	TypeSessionReturned   = "session.returned"
	TypeViolationRecorded = "violation.recorded"
	TypePaymentApplied    = "payment.applied"
)

var eventJSON = jsoniter.ConfigFastest

// Event is a committed circulation fact handed to external collaborators
// (notification delivery, reporting).
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	MemberID   string         `json:"memberId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Encode serializes the event payload.
func (e Event) Encode() ([]byte, error) {
	return eventJSON.Marshal(e)
}

// decodeEvent parses an encoded event.
func decodeEvent(raw []byte) (Event, error) {
	var e Event
	err := eventJSON.Unmarshal(raw, &e)
	return e, err
}

// Publisher delivers events after the owning transaction committed.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }
