package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service publishes call lifecycle, routing and tool events.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to callers.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type.requiresCall() && e.CallSid == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogRoutingDecision records which agent was selected for a call and why.
// ip is the address of the webhook caller, when known.
func (s *Service) LogRoutingDecision(ctx context.Context, callSid, agentID, userID, ip, reason, action string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["action"] = action
	return s.Append(ctx, Event{
		Type:      EventTypeRoutingDecision,
		CallSid:   callSid,
		AgentID:   agentID,
		UserID:    userID,
		IPAddress: ip,
		Reason:    reason,
		Message:   "routing decision: " + action,
		Metadata:  EncodeMetadata(meta),
	})
}

func (s *Service) LogCallStarted(ctx context.Context, callSid, streamSid, agentID, userID, direction string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeCallStarted,
		CallSid:   callSid,
		StreamSid: streamSid,
		AgentID:   agentID,
		UserID:    userID,
		Message:   "call started",
		Metadata:  EncodeMetadata(map[string]any{"direction": direction}),
	})
}

func (s *Service) LogCallEnded(ctx context.Context, callSid, streamSid, agentID, status string, duration time.Duration) error {
	return s.Append(ctx, Event{
		Type:      EventTypeCallEnded,
		CallSid:   callSid,
		StreamSid: streamSid,
		AgentID:   agentID,
		Reason:    status,
		Message:   "call ended",
		Metadata:  EncodeMetadata(map[string]any{"duration_seconds": int(duration.Seconds())}),
	})
}

// LogToolCall records one tool execution. Arguments are stored with the
// result so a failed call can be replayed by hand.
func (s *Service) LogToolCall(ctx context.Context, callSid, agentID, userID, tool string, args map[string]any, success bool, errMsg string, took time.Duration) error {
	meta := map[string]any{
		"arguments":         args,
		"success":           success,
		"execution_time_ms": took.Milliseconds(),
	}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	return s.Append(ctx, Event{
		Type:     EventTypeToolInvoked,
		CallSid:  callSid,
		AgentID:  agentID,
		UserID:   userID,
		Reason:   tool,
		Message:  "tool invoked",
		Metadata: EncodeMetadata(meta),
	})
}

func (s *Service) LogModelRecreated(ctx context.Context, callSid, agentID string, attempt int, cause string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeModelRecreated,
		CallSid:  callSid,
		AgentID:  agentID,
		Reason:   cause,
		Message:  "model session recreated",
		Metadata: EncodeMetadata(map[string]any{"attempt": attempt}),
	})
}

// LogOperatorAction records an operator API action.
func (s *Service) LogOperatorAction(ctx context.Context, actorUserID, actorRole, ip, message, callSid string, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeOperatorAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallSid:     callSid,
		Message:     message,
		Metadata:    metadata,
	})
}

func EncodeMetadata(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
