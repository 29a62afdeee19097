package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"callbridge/internal/routing"
)

const agentColumns = `
a.id, COALESCE(a.user_id::text, ''), a.name, COALESCE(a.agent_type, ''),
COALESCE(a.voice_name, ''), COALESCE(a.language_code, ''), COALESCE(a.system_instruction, ''), COALESCE(a.greeting, ''),
COALESCE(a.routing_type, ''), COALESCE(a.forward_number, ''), COALESCE(a.ivr_menu_id::text, ''),
COALESCE(array_to_string(a.business_days, ','), ''), COALESCE(a.business_hours_start::text, ''), COALESCE(a.business_hours_end::text, ''), COALESCE(a.timezone, ''),
COALESCE(a.max_concurrent_calls, 0), COALESCE(a.call_direction, ''), a.is_active, a.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (routing.AgentProfile, error) {
	var (
		p         routing.AgentProfile
		agentType string
		mode      string
		days      string
		direction string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Name, &agentType,
		&p.Voice, &p.Language, &p.SystemPrompt, &p.Greeting,
		&mode, &p.ForwardNumber, &p.MenuID,
		&days, &p.Hours.Start, &p.Hours.End, &p.Hours.Timezone,
		&p.MaxConcurrentCalls, &direction, &p.Active, &p.CreatedAt,
	)
	if err != nil {
		return routing.AgentProfile{}, err
	}
	p.Type = routing.AgentType(agentType)
	p.Mode = parseMode(mode)
	p.Direction = routing.Direction(direction)
	p.Hours.Days = parseDays(days)
	return p, nil
}

// parseMode accepts the legacy "ivr" spelling for menu routing.
func parseMode(s string) routing.RoutingMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ivr", string(routing.ModeMenu):
		return routing.ModeMenu
	case string(routing.ModeForward):
		return routing.ModeForward
	case "":
		return ""
	}
	return routing.ModeDirect
}

// parseDays reads "1,2,3" (0 = Sunday). Out-of-range values are skipped.
func parseDays(s string) []time.Weekday {
	if s == "" {
		return nil
	}
	var out []time.Weekday
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		out = append(out, time.Weekday(n))
	}
	return out
}

// AgentByPhoneNumber checks explicit number assignments first, then the
// agent's own primary number.
func (p *Postgres) AgentByPhoneNumber(ctx context.Context, number string) (routing.AgentProfile, bool, error) {
	q := `
SELECT` + agentColumns + `
FROM phone_numbers n
JOIN ai_agents a ON a.id = n.agent_id
WHERE n.phone_number = $1 AND n.is_active
LIMIT 1
`
	a, err := scanAgent(p.db.QueryRowContext(ctx, q, number))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return routing.AgentProfile{}, false, err
	}

	q = `
SELECT` + agentColumns + `
FROM ai_agents a
WHERE a.twilio_phone_number = $1 AND a.is_active
LIMIT 1
`
	a, err = scanAgent(p.db.QueryRowContext(ctx, q, number))
	if errors.Is(err, sql.ErrNoRows) {
		return routing.AgentProfile{}, false, nil
	}
	if err != nil {
		return routing.AgentProfile{}, false, err
	}
	return a, true, nil
}

func (p *Postgres) ActiveAgentsByDirection(ctx context.Context, d routing.Direction) ([]routing.AgentProfile, error) {
	q := `
SELECT` + agentColumns + `
FROM ai_agents a
WHERE a.is_active AND (a.call_direction = $1 OR a.call_direction = 'both' OR a.call_direction IS NULL)
ORDER BY a.created_at DESC
`
	rows, err := p.db.QueryContext(ctx, q, string(d))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []routing.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AgentByID(ctx context.Context, id string) (routing.AgentProfile, bool, error) {
	q := `
SELECT` + agentColumns + `
FROM ai_agents a
WHERE a.id = $1
`
	a, err := scanAgent(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return routing.AgentProfile{}, false, nil
	}
	if err != nil {
		return routing.AgentProfile{}, false, err
	}
	return a, true, nil
}

func (p *Postgres) MenuByID(ctx context.Context, id string) (routing.MenuDefinition, bool, error) {
	const q = `
SELECT id, name, COALESCE(welcome_message, ''), COALESCE(invalid_message, ''), COALESCE(timeout_message, ''),
       COALESCE(max_attempts, 0), COALESCE(timeout_seconds, 0)
FROM ivr_menus
WHERE id = $1
`
	var (
		m       routing.MenuDefinition
		timeout int
	)
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&m.ID, &m.Name, &m.Greeting, &m.InvalidMessage, &m.TimeoutMessage, &m.MaxAttempts, &timeout,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return routing.MenuDefinition{}, false, nil
	}
	if err != nil {
		return routing.MenuDefinition{}, false, err
	}
	m.Timeout = time.Duration(timeout) * time.Second

	const qo = `
SELECT digit, action_type, COALESCE(agent_id::text, ''), COALESCE(action_value, ''), COALESCE(description, '')
FROM ivr_options
WHERE ivr_menu_id = $1
ORDER BY digit
`
	rows, err := p.db.QueryContext(ctx, qo, id)
	if err != nil {
		return routing.MenuDefinition{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e    routing.MenuEntry
			kind string
		)
		if err := rows.Scan(&e.Digit, &kind, &e.Action.AgentID, &e.Action.Number, &e.Action.Description); err != nil {
			return routing.MenuDefinition{}, false, err
		}
		e.Action.Kind = parseMenuAction(kind)
		m.Entries = append(m.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return routing.MenuDefinition{}, false, err
	}
	return m, true, nil
}

func parseMenuAction(s string) routing.MenuActionKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent", "connect", string(routing.MenuConnectAgent):
		return routing.MenuConnectAgent
	case "forward", string(routing.MenuTransfer):
		return routing.MenuTransfer
	case string(routing.MenuVoicemail):
		return routing.MenuVoicemail
	}
	return routing.MenuActionKind(s)
}
