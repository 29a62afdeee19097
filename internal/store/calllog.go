package store

import (
	"context"
	"fmt"
	"time"

	"callbridge/internal/calls"

	"github.com/google/uuid"
)

// CreateCallRecord inserts a call_logs row. A row that already exists for
// the call sid is left as is.
func (p *Postgres) CreateCallRecord(ctx context.Context, r calls.CallRecord) error {
	const q = `
INSERT INTO call_logs (
  id, call_sid, stream_sid, agent_id, user_id, phone_number_from, phone_number_to,
  direction, status, routing_reason, duration, recording_url, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
ON CONFLICT (call_sid) DO NOTHING
`
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, q,
		r.ID,
		r.CallSid,
		nullString(r.StreamSid),
		nullString(r.AgentID),
		nullString(r.UserID),
		r.From,
		r.To,
		r.Direction,
		string(r.Status),
		nullString(r.RoutingReason),
		r.DurationSeconds,
		nullString(r.RecordingURL),
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert call log %s: %w", r.CallSid, err)
	}
	return nil
}

// UpdateCallRecord sets the non-zero fields of u on the row for u.CallSid.
func (p *Postgres) UpdateCallRecord(ctx context.Context, u calls.CallUpdate) error {
	const q = `
UPDATE call_logs SET
  stream_sid    = COALESCE(NULLIF($2, ''), stream_sid),
  agent_id      = COALESCE(NULLIF($3, ''), agent_id),
  status        = COALESCE(NULLIF($4, ''), status),
  duration      = CASE WHEN $5 > 0 THEN $5 ELSE duration END,
  recording_url = COALESCE(NULLIF($6, ''), recording_url),
  updated_at    = now()
WHERE call_sid = $1
`
	res, err := p.db.ExecContext(ctx, q, u.CallSid, u.StreamSid, u.AgentID, string(u.Status), u.DurationSeconds, u.RecordingURL)
	if err != nil {
		return fmt.Errorf("store: update call log %s: %w", u.CallSid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: call log %s: %w", u.CallSid, ErrNotFound)
	}
	return nil
}

// ListCalls returns call_logs rows created in [from, to). Empty userID or
// agentID match every row.
func (p *Postgres) ListCalls(ctx context.Context, userID string, from, to time.Time, agentID string) ([]calls.CallRecord, error) {
	const q = `
SELECT id, call_sid, COALESCE(stream_sid, ''), COALESCE(agent_id::text, ''), COALESCE(user_id::text, ''),
       COALESCE(phone_number_from, ''), COALESCE(phone_number_to, ''), COALESCE(direction, ''), status,
       COALESCE(routing_reason, ''), COALESCE(duration, 0), COALESCE(recording_url, ''), created_at, updated_at
FROM call_logs
WHERE created_at >= $1 AND created_at < $2
  AND ($3 = '' OR user_id::text = $3)
  AND ($4 = '' OR agent_id::text = $4)
ORDER BY created_at
`
	rows, err := p.db.QueryContext(ctx, q, from, to, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	defer rows.Close()

	out := make([]calls.CallRecord, 0)
	for rows.Next() {
		var (
			r      calls.CallRecord
			status string
		)
		if err := rows.Scan(
			&r.ID, &r.CallSid, &r.StreamSid, &r.AgentID, &r.UserID,
			&r.From, &r.To, &r.Direction, &status,
			&r.RoutingReason, &r.DurationSeconds, &r.RecordingURL, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		r.Status = calls.CallStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
