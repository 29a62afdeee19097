package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callbridge/internal/tools"
	"callbridge/pkg/utils"

	"github.com/google/uuid"
)

// The methods below are the side effects of the built-in call tools. Every
// row is scoped by the tenant user_id that owns the call.

func (p *Postgres) CreateAppointment(ctx context.Context, a tools.Appointment) (string, error) {
	const q = `
INSERT INTO appointments (
  id, user_id, call_id, customer_name, customer_phone, customer_email,
  appointment_date, appointment_time, service_type, notes, status, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
`
	id := uuid.NewString()
	_, err := p.db.ExecContext(ctx, q,
		id, a.UserID, nullString(a.CallID), a.CustomerName, nullString(a.CustomerPhone), nullString(a.CustomerEmail),
		a.Date, a.Time, nullString(a.ServiceType), nullString(a.Notes), a.Status,
	)
	if err != nil {
		return "", fmt.Errorf("store: create appointment: %w", err)
	}
	return id, nil
}

// BookedTimes returns the HH:MM times of scheduled appointments on date.
func (p *Postgres) BookedTimes(ctx context.Context, userID, date string) ([]string, error) {
	const q = `
SELECT to_char(appointment_time, 'HH24:MI')
FROM appointments
WHERE user_id = $1 AND appointment_date = $2 AND status = 'scheduled'
ORDER BY appointment_time
`
	rows, err := p.db.QueryContext(ctx, q, userID, date)
	if err != nil {
		return nil, fmt.Errorf("store: booked times: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateLeadStatus(ctx context.Context, u tools.LeadUpdate) error {
	const q = `
UPDATE campaign_leads SET
  status         = $3,
  notes          = COALESCE(NULLIF($4, ''), notes),
  callback_date  = COALESCE(NULLIF($5, '')::date, callback_date),
  interest_level = CASE WHEN $6 > 0 THEN $6 ELSE interest_level END,
  last_contacted = $7,
  updated_at     = $7
WHERE id = $1 AND user_id = $2
`
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx, q, u.LeadID, u.UserID, u.Status, u.Notes, u.CallbackDate, u.InterestLevel, at)
	if err != nil {
		return fmt.Errorf("store: update lead %s: %w", u.LeadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tools.ErrLeadNotFound
	}
	return nil
}

func (p *Postgres) QueueFollowupEmail(ctx context.Context, e tools.FollowupEmail) error {
	const q = `
INSERT INTO followup_emails (
  id, user_id, call_id, recipient_email, template_type, custom_message, appointment_details, status, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8)
`
	details, err := jsonOrNull(e.AppointmentDetails)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	queued := e.QueuedAt
	if queued.IsZero() {
		queued = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, q,
		e.ID, e.UserID, nullString(e.CallID), e.Recipient, e.Template, nullString(e.CustomMessage), details, queued,
	)
	if err != nil {
		return fmt.Errorf("store: queue followup email: %w", err)
	}
	return nil
}

// AddToDNC records the number and marks any of the user's leads with that
// number as do-not-call, in one transaction.
func (p *Postgres) AddToDNC(ctx context.Context, e tools.DNCEntry) (string, error) {
	id := uuid.NewString()
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const insert = `
INSERT INTO dnc_entries (id, user_id, call_id, phone_number, reason, notes, added_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
`
		if _, err := tx.ExecContext(ctx, insert,
			id, e.UserID, nullString(e.CallID), e.Phone, e.Reason, nullString(e.Notes), e.AddedBy,
		); err != nil {
			return err
		}
		const mark = `
UPDATE campaign_leads SET status = 'do_not_call', updated_at = now()
WHERE user_id = $1 AND phone_number = $2
`
		_, err := tx.ExecContext(ctx, mark, e.UserID, e.Phone)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store: add to dnc: %w", err)
	}
	return id, nil
}

// FindCustomer matches on the first non-empty of phone, email and id.
func (p *Postgres) FindCustomer(ctx context.Context, q tools.CustomerQuery) (tools.Customer, bool, error) {
	var (
		column, value string
	)
	switch {
	case q.Phone != "":
		column, value = "phone", q.Phone
	case q.Email != "":
		column, value = "email", q.Email
	case q.ID != "":
		column, value = "id", q.ID
	default:
		return tools.Customer{}, false, nil
	}
	query := `
SELECT id, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(phone, ''), COALESCE(email, ''),
       COALESCE(company, ''), COALESCE(status, ''), last_contact, COALESCE(notes, '')
FROM customers
WHERE user_id = $1 AND ` + column + `::text = $2
LIMIT 1
`
	var (
		c    tools.Customer
		last sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, q.UserID, value).Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.Company, &c.Status, &last, &c.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tools.Customer{}, false, nil
	}
	if err != nil {
		return tools.Customer{}, false, fmt.Errorf("store: find customer: %w", err)
	}
	if last.Valid {
		t := last.Time
		c.LastContact = &t
	}
	return c, true, nil
}

func (p *Postgres) SaveCallSummary(ctx context.Context, s tools.CallSummary) error {
	const q = `
INSERT INTO call_summaries (id, user_id, call_id, summary_type, summary_data, transcript_length, created_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
`
	data, err := jsonOrNull(s.Data)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, q, uuid.NewString(), s.UserID, nullString(s.CallID), s.Type, data, s.TranscriptLength); err != nil {
		return fmt.Errorf("store: save call summary: %w", err)
	}
	return nil
}

func (p *Postgres) CRMIntegrationID(ctx context.Context, userID, crmType string) (string, bool, error) {
	const q = `
SELECT id FROM integrations
WHERE user_id = $1 AND integration_type = $2 AND is_active
ORDER BY created_at DESC
LIMIT 1
`
	var id string
	err := p.db.QueryRowContext(ctx, q, userID, crmType).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (p *Postgres) SaveCRMContact(ctx context.Context, c tools.CRMContact) error {
	const q = `
INSERT INTO crm_contacts (id, user_id, call_id, crm_type, crm_contact_id, integration_id, contact_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
`
	data, err := jsonOrNull(c.Data)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, q,
		uuid.NewString(), c.UserID, nullString(c.CallID), c.CRMType, c.ContactID, nullString(c.IntegrationID), data,
	); err != nil {
		return fmt.Errorf("store: save crm contact: %w", err)
	}
	return nil
}

func (p *Postgres) LogWebhook(ctx context.Context, l tools.WebhookLog) error {
	const q = `
INSERT INTO webhook_logs (id, user_id, webhook_url, event_type, payload, response_status, error_message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	payload, err := jsonOrNull(l.Payload)
	if err != nil {
		return err
	}
	at := l.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := p.db.ExecContext(ctx, q,
		uuid.NewString(), l.UserID, l.URL, l.EventType, payload, l.ResponseStatus, nullString(l.Error), at,
	); err != nil {
		return fmt.Errorf("store: log webhook: %w", err)
	}
	return nil
}

// jsonOrNull encodes m for a jsonb column; a nil map is stored as NULL.
func jsonOrNull(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: encode json: %w", err)
	}
	return b, nil
}
