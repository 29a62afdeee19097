package store

import (
	"context"
	"encoding/json"
	"fmt"

	"callbridge/internal/tools"
)

// ListWebhookToolsForAgent loads the agent's webhook-backed tools from
// agent_zaps.
func (p *Postgres) ListWebhookToolsForAgent(ctx context.Context, agentID string) ([]tools.WebhookTool, error) {
	const q = `
SELECT id, agent_id, name, COALESCE(description, ''), webhook_url, COALESCE(parameter_schema::text, '')
FROM agent_zaps
WHERE agent_id = $1
ORDER BY created_at, name
`
	rows, err := p.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list webhook tools for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []tools.WebhookTool
	for rows.Next() {
		var (
			t      tools.WebhookTool
			schema string
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Name, &t.Description, &t.URL, &schema); err != nil {
			return nil, err
		}
		if schema != "" {
			t.ParameterSchema = json.RawMessage(schema)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
