package tools

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used for tests and local runs without a
// database.
type MemoryStore struct {
	mu sync.Mutex

	Appointments []Appointment
	Leads        map[string]LeadUpdate
	Emails       []FollowupEmail
	DNC          []DNCEntry
	Customers    []Customer
	Summaries    []CallSummary
	Integrations map[string]string // user|crm -> integration id
	CRMContacts  []CRMContact
	WebhookLogs  []WebhookLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Leads:        make(map[string]LeadUpdate),
		Integrations: make(map[string]string),
	}
}

func (m *MemoryStore) CreateAppointment(ctx context.Context, a Appointment) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.Appointments = append(m.Appointments, a)
	return id, nil
}

func (m *MemoryStore) BookedTimes(ctx context.Context, userID, date string) ([]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.Appointments {
		if a.UserID == userID && a.Date == date && a.Status == "scheduled" {
			out = append(out, a.Time)
		}
	}
	return out, nil
}

// SeedLead makes a lead known so UpdateLeadStatus can match it.
func (m *MemoryStore) SeedLead(userID, leadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leads[userID+"|"+leadID] = LeadUpdate{LeadID: leadID, UserID: userID}
}

func (m *MemoryStore) UpdateLeadStatus(ctx context.Context, u LeadUpdate) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	key := u.UserID + "|" + u.LeadID
	if _, ok := m.Leads[key]; !ok {
		return ErrLeadNotFound
	}
	m.Leads[key] = u
	return nil
}

func (m *MemoryStore) QueueFollowupEmail(ctx context.Context, e FollowupEmail) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails = append(m.Emails, e)
	return nil
}

func (m *MemoryStore) AddToDNC(ctx context.Context, e DNCEntry) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DNC = append(m.DNC, e)
	return uuid.NewString(), nil
}

func (m *MemoryStore) FindCustomer(ctx context.Context, q CustomerQuery) (Customer, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Customers {
		switch {
		case q.Phone != "" && c.Phone == q.Phone,
			q.Phone == "" && q.Email != "" && c.Email == q.Email,
			q.Phone == "" && q.Email == "" && q.ID != "" && c.ID == q.ID:
			return c, true, nil
		}
	}
	return Customer{}, false, nil
}

func (m *MemoryStore) SaveCallSummary(ctx context.Context, s CallSummary) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Summaries = append(m.Summaries, s)
	return nil
}

func (m *MemoryStore) CRMIntegrationID(ctx context.Context, userID, crmType string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Integrations[userID+"|"+crmType]
	return id, ok, nil
}

func (m *MemoryStore) SaveCRMContact(ctx context.Context, c CRMContact) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CRMContacts = append(m.CRMContacts, c)
	return nil
}

func (m *MemoryStore) LogWebhook(ctx context.Context, l WebhookLog) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WebhookLogs = append(m.WebhookLogs, l)
	return nil
}
