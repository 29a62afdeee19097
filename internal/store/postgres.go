package store

import (
	"context"
	"database/sql"
	"errors"

	"callbridge/pkg/utils"
)

// NOTE: The store assumes the following tables exist:
// - ai_agents, phone_numbers
// - ivr_menus, ivr_options
// - agent_zaps (webhook tools)
// - call_logs (UNIQUE call_sid)
// - call_events (append-only)
// - appointments, campaign_leads, followup_emails, dnc_entries, customers,
//   call_summaries, integrations, crm_contacts, webhook_logs
// - service_prices, pricing_tiers, discount_codes

var ErrNotFound = errors.New("store: not found")

// Postgres implements every persistence interface the call bridge consumes
// over one database/sql pool.
type Postgres struct {
	db *sql.DB
}

func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects through the pgx stdlib driver, which cmd/api registers.
func Open(ctx context.Context, dsn string, pool utils.PostgresPoolConfig) (*Postgres, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, pool)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
