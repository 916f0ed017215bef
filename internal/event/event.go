package event

import (
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

const (
	IntentCreated   Type = "intent.created"
	IntentValidated Type = "intent.validated"
	IntentRejected  Type = "intent.rejected"
	BatchCreated    Type = "batch.created"
	BatchAttested   Type = "batch.attested"
	IntentRouted    Type = "intent.routed"
	IntentSettled   Type = "intent.settled"
	EscalationAlert Type = "escalation.alert"
	ModeChanged     Type = "mode.changed"
	RegimeUpdated   Type = "regime.updated"
)

// Event is the canonical envelope delivered to subscribers.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	OccurredAt time.Time              `json:"occurred_at"`
	IntentID   string                 `json:"intent_id,omitempty"`
	BatchID    string                 `json:"batch_id,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// New stamps an event with an id and the current time.
func New(t Type, payload map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
