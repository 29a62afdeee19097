package tools

import (
	"context"
	"errors"
	"time"
)

// Store is the durable-storage collaborator the built-in tools write through.
// Every record is scoped to the tenant user that owns the call.
type Store interface {
	CreateAppointment(ctx context.Context, a Appointment) (string, error)
	BookedTimes(ctx context.Context, userID, date string) ([]string, error)
	UpdateLeadStatus(ctx context.Context, u LeadUpdate) error
	QueueFollowupEmail(ctx context.Context, e FollowupEmail) error
	AddToDNC(ctx context.Context, e DNCEntry) (string, error)
	FindCustomer(ctx context.Context, q CustomerQuery) (Customer, bool, error)
	SaveCallSummary(ctx context.Context, s CallSummary) error
	CRMIntegrationID(ctx context.Context, userID, crmType string) (string, bool, error)
	SaveCRMContact(ctx context.Context, c CRMContact) error
	LogWebhook(ctx context.Context, l WebhookLog) error
}

// ErrLeadNotFound is returned by UpdateLeadStatus when no lead matches.
var ErrLeadNotFound = errors.New("tools: lead not found")

type Appointment struct {
	UserID        string
	CallID        string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Date          string
	Time          string
	ServiceType   string
	Notes         string
	Status        string
}

type LeadUpdate struct {
	LeadID        string
	UserID        string
	Status        string
	Notes         string
	CallbackDate  string
	InterestLevel int
	At            time.Time
}

type FollowupEmail struct {
	ID                 string
	UserID             string
	CallID             string
	Recipient          string
	Template           string
	CustomMessage      string
	AppointmentDetails map[string]any
	QueuedAt           time.Time
}

type DNCEntry struct {
	UserID  string
	CallID  string
	Phone   string
	Reason  string
	Notes   string
	AddedBy string
}

// CustomerQuery matches on the first non-empty of Phone, Email, ID.
type CustomerQuery struct {
	UserID string
	Phone  string
	Email  string
	ID     string
}

type Customer struct {
	ID          string
	FirstName   string
	LastName    string
	Phone       string
	Email       string
	Company     string
	Status      string
	LastContact *time.Time
	Notes       string
}

type CallSummary struct {
	UserID           string
	CallID           string
	Type             string
	Data             map[string]any
	TranscriptLength int
}

type CRMContact struct {
	UserID        string
	CallID        string
	CRMType       string
	ContactID     string
	IntegrationID string
	Data          map[string]any
}

type WebhookLog struct {
	UserID         string
	URL            string
	EventType      string
	Payload        map[string]any
	ResponseStatus int
	Error          string
	At             time.Time
}
