package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"callbridge/internal/routing"
	"callbridge/internal/telephony"

	"github.com/google/uuid"
)

var (
	ErrNoCarrier     = errors.New("calls: carrier not configured")
	ErrNoDestination = errors.New("calls: destination number required")
)

// OutboundRequest asks for a call from an agent to To.
type OutboundRequest struct {
	AgentID string `json:"agent_id"`
	To      string `json:"to"`
	// From defaults to the configured caller id.
	From   string `json:"from,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// StartOutbound routes the request, places the call and writes the call log
// row. The media stream that follows joins the call through its call sid.
func (m *Manager) StartOutbound(ctx context.Context, req OutboundRequest) (CallRecord, routing.Decision, error) {
	if m.Carrier == nil {
		return CallRecord{}, routing.Decision{}, ErrNoCarrier
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		return CallRecord{}, routing.Decision{}, ErrNoDestination
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = m.cfg.FromNumber
	}

	d := m.Engine.RouteOutbound(ctx, req.AgentID)
	userID := req.UserID
	if userID == "" {
		userID = d.Profile.UserID
	}
	twiml, err := telephony.StreamResponse(m.cfg.StreamURL, telephony.StreamParams{
		AgentID:   d.Profile.ID,
		UserID:    userID,
		Direction: string(routing.DirectionOutbound),
		From:      from,
		To:        to,
	}).Render()
	if err != nil {
		return CallRecord{}, d, fmt.Errorf("calls: render outbound twiml: %w", err)
	}

	res, err := m.Carrier.StartOutboundCall(ctx, telephony.OutboundCall{
		To:             to,
		From:           from,
		Twiml:          twiml,
		StatusCallback: m.cfg.StatusCallbackURL,
	})
	if err != nil {
		return CallRecord{}, d, err
	}

	m.Engine.Record(ctx, res.SID, d)
	m.Assignments.Put(res.SID, d)

	status, ok := ParseCallStatus(res.Status)
	if !ok {
		status = CallStatusQueued
	}
	rec := CallRecord{
		ID:            uuid.NewString(),
		CallSid:       res.SID,
		AgentID:       d.Profile.ID,
		UserID:        userID,
		From:          from,
		To:            to,
		Direction:     string(routing.DirectionOutbound),
		Status:        status,
		RoutingReason: d.Reason,
		CreatedAt:     m.now(),
	}
	if m.CallLog != nil {
		if err := m.CallLog.CreateCallRecord(ctx, rec); err != nil {
			m.Log.Warn("outbound call log write failed", "call_sid", res.SID, "err", err)
		}
	}
	m.Log.Info("outbound call placed", "call_sid", res.SID, "agent_id", d.Profile.ID, "to", to)
	return rec, d, nil
}
