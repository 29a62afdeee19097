package store

import (
	"context"
	"fmt"
	"time"

	"callbridge/internal/audit"
)

// Append inserts one call_events row. Events are never updated.
func (p *Postgres) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO call_events (
  id, type, call_sid, stream_sid, agent_id, user_id, actor_user_id, actor_role,
  ip_address, reason, message, metadata, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	var metadata any
	if e.Metadata != "" {
		metadata = e.Metadata
	}
	_, err := p.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		nullString(e.CallSid),
		nullString(e.StreamSid),
		nullString(e.AgentID),
		nullString(e.UserID),
		nullString(e.ActorUserID),
		nullString(e.ActorRole),
		nullString(e.IPAddress),
		nullString(e.Reason),
		nullString(e.Message),
		metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: append %s event: %w", e.Type, err)
	}
	return nil
}

// ListEvents returns events of type t created in [from, to), oldest first.
// An empty t matches every type.
func (p *Postgres) ListEvents(ctx context.Context, t audit.EventType, from, to time.Time) ([]audit.Event, error) {
	const q = `
SELECT id, type, COALESCE(call_sid, ''), COALESCE(stream_sid, ''), COALESCE(agent_id, ''), COALESCE(user_id, ''),
       COALESCE(actor_user_id, ''), COALESCE(actor_role, ''), COALESCE(ip_address, ''), COALESCE(reason, ''),
       COALESCE(message, ''), COALESCE(metadata::text, ''), created_at
FROM call_events
WHERE ($1 = '' OR type = $1) AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := p.db.QueryContext(ctx, q, string(t), from, to)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e   audit.Event
			typ string
		)
		if err := rows.Scan(
			&e.ID, &typ, &e.CallSid, &e.StreamSid, &e.AgentID, &e.UserID,
			&e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.Reason,
			&e.Message, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = audit.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
