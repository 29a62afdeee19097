package calls

import (
	"context"
	"strings"
	"time"
)

// CallRecord is one row of the call log.
//
// The core only writes the fields below. Transcripts, recordings and billing
// are owned by other systems and attached to the row by CallSid.
type CallRecord struct {
	ID        string `json:"id" db:"id"`
	CallSid   string `json:"call_sid" db:"call_sid"`
	StreamSid string `json:"stream_sid,omitempty" db:"stream_sid"`
	AgentID   string `json:"agent_id,omitempty" db:"agent_id"`
	UserID    string `json:"user_id,omitempty" db:"user_id"`

	From      string `json:"from" db:"from_number"`
	To        string `json:"to" db:"to_number"`
	Direction string `json:"direction" db:"direction"`

	Status        CallStatus `json:"status" db:"status"`
	RoutingReason string     `json:"routing_reason,omitempty" db:"routing_reason"`

	// DurationSeconds is stored as INT.
	DurationSeconds int `json:"duration" db:"duration"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CallUpdate changes the mutable columns of a call log row. Zero fields are
// left untouched.
type CallUpdate struct {
	CallSid         string
	StreamSid       string
	AgentID         string
	Status          CallStatus
	DurationSeconds int
	RecordingURL    string
}

// CallLog is the call-log writer the session and the status webhook use.
type CallLog interface {
	CreateCallRecord(ctx context.Context, r CallRecord) error
	UpdateCallRecord(ctx context.Context, u CallUpdate) error
}

// CallStatus values follow the carrier's status callback vocabulary.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// ParseCallStatus normalizes a carrier status. Underscored spellings are
// accepted. Unknown values report false.
func ParseCallStatus(s string) (CallStatus, bool) {
	st := CallStatus(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch st {
	case CallStatusPending, CallStatusQueued, CallStatusRinging, CallStatusInProgress,
		CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further status changes are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	}
	return false
}
