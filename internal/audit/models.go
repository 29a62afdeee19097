package audit

import "time"

// Event is an immutable, append-only call event record.
//
// Invariants:
// - Events are never updated or deleted.
// - Call events carry the carrier call sid; operator events may not.
// - Audit is best-effort; do not block the audio path on audit failures.
//
// Storage (Postgres): table call_events, INSERT only.

type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	CallSid   string `json:"call_sid,omitempty" db:"call_sid"`
	StreamSid string `json:"stream_sid,omitempty" db:"stream_sid"`
	AgentID   string `json:"agent_id,omitempty" db:"agent_id"`
	UserID    string `json:"user_id,omitempty" db:"user_id"`

	// ActorUserID and ActorRole identify an operator for operator actions.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Reason is the routing reason for routing decisions, the end status for
	// call_ended, and the tool name for tool_invoked.
	Reason string `json:"reason,omitempty" db:"reason"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRoutingDecision EventType = "routing_decision"
	EventTypeCallStarted     EventType = "call_started"
	EventTypeCallEnded       EventType = "call_ended"
	EventTypeToolInvoked     EventType = "tool_invoked"
	EventTypeModelRecreated  EventType = "model_recreated"
	EventTypeOperatorAction  EventType = "operator_action"
)

// requiresCall reports whether events of this type must name a call.
func (t EventType) requiresCall() bool {
	return t != EventTypeOperatorAction
}
