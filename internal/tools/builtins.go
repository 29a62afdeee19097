package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"callbridge/internal/pricing"
)

// Quoter prices services for calculate_pricing.
type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
}

// Builtins provides the process-wide built-in business tools.
type Builtins struct {
	Store    Store
	Quoter   Quoter
	Webhooks *WebhookClient
	Now      func() time.Time
}

var errStoreUnavailable = errors.New("tool store not configured")

// Definitions returns every built-in tool.
func (b *Builtins) Definitions() []Definition {
	return []Definition{
		{
			Kind:         KindBuiltin,
			Name:         "schedule_appointment",
			Description:  "Schedule an appointment for a customer",
			RequiresAuth: true,
			Handler:      b.scheduleAppointment,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "customer_name": {"type": "string", "description": "Customer full name"},
    "customer_phone": {"type": "string", "description": "Customer phone number"},
    "customer_email": {"type": "string", "description": "Customer email address"},
    "appointment_date": {"type": "string", "description": "Appointment date in YYYY-MM-DD format"},
    "appointment_time": {"type": "string", "description": "Appointment time in HH:MM format"},
    "service_type": {"type": "string", "description": "Type of service requested"},
    "notes": {"type": "string", "description": "Additional notes or requirements"}
  },
  "required": ["customer_name", "customer_phone", "appointment_date", "appointment_time"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "update_lead_status",
			Description:  "Update the status of a lead in the CRM",
			RequiresAuth: true,
			Handler:      b.updateLeadStatus,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "lead_id": {"type": "string", "description": "Lead ID to update"},
    "status": {"type": "string", "enum": ["contacted", "interested", "not_interested", "callback_requested", "appointment_scheduled", "converted"], "description": "New status for the lead"},
    "notes": {"type": "string", "description": "Notes about the interaction"},
    "callback_date": {"type": "string", "description": "Callback date if status is callback_requested"},
    "interest_level": {"type": "number", "minimum": 1, "maximum": 10, "description": "Interest level from 1-10"}
  },
  "required": ["lead_id", "status"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "send_followup_email",
			Description:  "Send a follow-up email to a customer",
			RequiresAuth: true,
			Handler:      b.sendFollowupEmail,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "customer_email": {"type": "string", "description": "Customer email address"},
    "template_type": {"type": "string", "enum": ["appointment_confirmation", "follow_up", "thank_you", "information_request"], "description": "Type of email template to use"},
    "custom_message": {"type": "string", "description": "Custom message to include"},
    "appointment_details": {"type": "object", "description": "Appointment details if applicable"}
  },
  "required": ["customer_email", "template_type"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "add_to_dnc",
			Description:  "Add a phone number to the Do Not Call list",
			RequiresAuth: true,
			Handler:      b.addToDNC,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "phone_number": {"type": "string", "description": "Phone number to add to DNC list"},
    "reason": {"type": "string", "enum": ["customer_request", "compliance", "invalid_number", "other"], "description": "Reason for adding to DNC"},
    "notes": {"type": "string", "description": "Additional notes"}
  },
  "required": ["phone_number", "reason"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "get_customer_info",
			Description:  "Retrieve customer information from the database",
			RequiresAuth: true,
			Handler:      b.getCustomerInfo,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "phone_number": {"type": "string", "description": "Customer phone number"},
    "email": {"type": "string", "description": "Customer email address"},
    "customer_id": {"type": "string", "description": "Customer ID"}
  }
}`),
		},
		{
			Kind:        KindBuiltin,
			Name:        "calculate_pricing",
			Description: "Calculate pricing for services based on customer requirements",
			Handler:     b.calculatePricing,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "service_type": {"type": "string", "description": "Type of service"},
    "quantity": {"type": "number", "description": "Quantity or duration"},
    "customer_tier": {"type": "string", "enum": ["basic", "standard", "premium"], "description": "Customer tier for pricing"},
    "discount_code": {"type": "string", "description": "Discount code if applicable"}
  },
  "required": ["service_type", "quantity"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "check_availability",
			Description:  "Check availability for appointments or services",
			RequiresAuth: true,
			Handler:      b.checkAvailability,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "date": {"type": "string", "description": "Date to check in YYYY-MM-DD format"},
    "time_range": {"type": "string", "description": "Time range preference (morning, afternoon, evening)"},
    "service_type": {"type": "string", "description": "Type of service"},
    "duration": {"type": "number", "description": "Duration in minutes"}
  },
  "required": ["date"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "generate_call_summary",
			Description:  "Generate an AI summary of the call conversation",
			RequiresAuth: true,
			Handler:      b.generateCallSummary,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "call_id": {"type": "string", "description": "Call ID to summarize"},
    "transcript": {"type": "string", "description": "Call transcript text"},
    "summary_type": {"type": "string", "enum": ["brief", "detailed", "action_items", "sentiment"], "description": "Type of summary to generate"}
  },
  "required": ["call_id", "transcript"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "trigger_webhook",
			Description:  "Trigger an automation webhook with call data",
			RequiresAuth: true,
			Handler:      b.triggerWebhook,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "webhook_url": {"type": "string", "description": "Webhook URL"},
    "event_type": {"type": "string", "enum": ["call_completed", "appointment_scheduled", "lead_updated", "follow_up_required"], "description": "Type of event to trigger"},
    "data": {"type": "object", "description": "Data to send to the webhook"}
  },
  "required": ["webhook_url", "event_type", "data"]
}`),
		},
		{
			Kind:         KindBuiltin,
			Name:         "create_crm_contact",
			Description:  "Create a new contact in external CRM system",
			RequiresAuth: true,
			Handler:      b.createCRMContact,
			Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "crm_type": {"type": "string", "enum": ["salesforce", "hubspot", "pipedrive", "zoho"], "description": "CRM system type"},
    "contact_data": {
      "type": "object",
      "properties": {
        "first_name": {"type": "string"},
        "last_name": {"type": "string"},
        "email": {"type": "string"},
        "phone": {"type": "string"},
        "company": {"type": "string"},
        "notes": {"type": "string"}
      },
      "required": ["first_name", "last_name"]
    }
  },
  "required": ["crm_type", "contact_data"]
}`),
		},
	}
}

func (b *Builtins) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Builtins) scheduleAppointment(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	a := Appointment{
		UserID:        inv.UserID,
		CallID:        inv.CallSid,
		CustomerName:  argString(inv.Args, "customer_name"),
		CustomerPhone: argString(inv.Args, "customer_phone"),
		CustomerEmail: argString(inv.Args, "customer_email"),
		Date:          argString(inv.Args, "appointment_date"),
		Time:          argString(inv.Args, "appointment_time"),
		ServiceType:   argString(inv.Args, "service_type"),
		Notes:         argString(inv.Args, "notes"),
		Status:        "scheduled",
	}
	id, err := b.Store.CreateAppointment(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule appointment: %w", err)
	}
	return map[string]any{
		"appointment_id":      id,
		"confirmation_number": confirmationNumber(id),
		"message":             fmt.Sprintf("Appointment scheduled for %s on %s at %s", a.CustomerName, a.Date, a.Time),
	}, nil
}

// confirmationNumber derives a caller-readable code from the last 8
// characters of the appointment id.
func confirmationNumber(id string) string {
	tail := id
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "APT-" + strings.ToUpper(tail)
}

func (b *Builtins) updateLeadStatus(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	u := LeadUpdate{
		LeadID:       argString(inv.Args, "lead_id"),
		UserID:       inv.UserID,
		Status:       argString(inv.Args, "status"),
		Notes:        argString(inv.Args, "notes"),
		CallbackDate: argString(inv.Args, "callback_date"),
		At:           b.now(),
	}
	if lvl, ok := argNumber(inv.Args, "interest_level"); ok {
		u.InterestLevel = int(lvl)
	}
	if err := b.Store.UpdateLeadStatus(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to update lead: %w", err)
	}
	return map[string]any{
		"lead_id":    u.LeadID,
		"new_status": u.Status,
		"message":    "Lead status updated to " + u.Status,
	}, nil
}

func (b *Builtins) sendFollowupEmail(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	e := FollowupEmail{
		ID:            "email_" + uuid.NewString(),
		UserID:        inv.UserID,
		CallID:        inv.CallSid,
		Recipient:     argString(inv.Args, "customer_email"),
		Template:      argString(inv.Args, "template_type"),
		CustomMessage: argString(inv.Args, "custom_message"),
		QueuedAt:      b.now(),
	}
	if details, ok := inv.Args["appointment_details"].(map[string]any); ok {
		e.AppointmentDetails = details
	}
	if err := b.Store.QueueFollowupEmail(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to queue email: %w", err)
	}
	return map[string]any{
		"email_id": e.ID,
		"status":   "queued",
		"message":  "Follow-up email queued for " + e.Recipient,
	}, nil
}

func (b *Builtins) addToDNC(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	e := DNCEntry{
		UserID:  inv.UserID,
		CallID:  inv.CallSid,
		Phone:   argString(inv.Args, "phone_number"),
		Reason:  argString(inv.Args, "reason"),
		Notes:   argString(inv.Args, "notes"),
		AddedBy: "ai_agent",
	}
	id, err := b.Store.AddToDNC(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("failed to add to DNC: %w", err)
	}
	return map[string]any{
		"dnc_id":       id,
		"phone_number": e.Phone,
		"message":      fmt.Sprintf("Phone number %s added to Do Not Call list", e.Phone),
	}, nil
}

func (b *Builtins) getCustomerInfo(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	q := CustomerQuery{UserID: inv.UserID}
	switch {
	case argString(inv.Args, "phone_number") != "":
		q.Phone = argString(inv.Args, "phone_number")
	case argString(inv.Args, "email") != "":
		q.Email = argString(inv.Args, "email")
	case argString(inv.Args, "customer_id") != "":
		q.ID = argString(inv.Args, "customer_id")
	default:
		return nil, errors.New("phone number, email, or customer ID required")
	}

	c, ok, err := b.Store.FindCustomer(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to get customer info: %w", err)
	}
	if !ok {
		return map[string]any{"message": "Customer not found"}, nil
	}
	out := map[string]any{
		"customer_id": c.ID,
		"name":        strings.TrimSpace(c.FirstName + " " + c.LastName),
		"phone":       c.Phone,
		"email":       c.Email,
		"company":     c.Company,
		"status":      c.Status,
		"notes":       c.Notes,
	}
	if c.LastContact != nil {
		out["last_contact"] = c.LastContact.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (b *Builtins) calculatePricing(ctx context.Context, inv Invocation) (map[string]any, error) {
	quoter := b.Quoter
	if quoter == nil {
		quoter = pricing.NewService(nil)
	}
	qty, _ := argNumber(inv.Args, "quantity")
	q, err := quoter.Quote(ctx, pricing.QuoteRequest{
		ServiceType:  argString(inv.Args, "service_type"),
		Quantity:     qty,
		CustomerTier: argString(inv.Args, "customer_tier"),
		DiscountCode: argString(inv.Args, "discount_code"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to calculate pricing: %w", err)
	}
	return map[string]any{
		"service_type":  q.ServiceType,
		"quantity":      q.Quantity,
		"base_price":    pricing.MinorToMajor(q.BaseMinor),
		"tier_discount": q.TierDiscountPercent,
		"total_price":   pricing.MinorToMajor(q.TotalMinor),
		"currency":      q.Currency,
	}, nil
}

// Appointment slots are hourly inside the working day.
const (
	slotsStartHour = 9
	slotsEndHour   = 17
)

func (b *Builtins) checkAvailability(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	date := argString(inv.Args, "date")
	booked, err := b.Store.BookedTimes(ctx, inv.UserID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to check availability: %w", err)
	}
	taken := make(map[string]struct{}, len(booked))
	for _, t := range booked {
		taken[normalizeSlot(t)] = struct{}{}
	}

	slots := make([]string, 0, slotsEndHour-slotsStartHour)
	for h := slotsStartHour; h < slotsEndHour; h++ {
		slot := fmt.Sprintf("%02d:00", h)
		if _, busy := taken[slot]; !busy {
			slots = append(slots, slot)
		}
	}
	msg := "No availability for this date"
	if len(slots) > 0 {
		msg = fmt.Sprintf("%d time slots available", len(slots))
	}
	return map[string]any{
		"date":            date,
		"available_slots": slots,
		"total_available": len(slots),
		"message":         msg,
	}, nil
}

// normalizeSlot trims "HH:MM:SS" values from the database to "HH:MM".
func normalizeSlot(t string) string {
	if len(t) > 5 {
		return t[:5]
	}
	return t
}

var summaryPrompts = map[string]string{
	"brief":        "Provide a brief 2-3 sentence summary of this call conversation:",
	"detailed":     "Provide a detailed summary including key points, customer needs, and outcomes:",
	"action_items": "Extract action items and next steps from this call conversation:",
	"sentiment":    "Analyze the sentiment and customer satisfaction from this call conversation:",
}

func (b *Builtins) generateCallSummary(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	kind := argString(inv.Args, "summary_type")
	prompt, ok := summaryPrompts[kind]
	if !ok {
		kind = "brief"
		prompt = summaryPrompts[kind]
	}
	transcript := argString(inv.Args, "transcript")
	summary := map[string]any{
		"call_id":           argString(inv.Args, "call_id"),
		"summary_type":      kind,
		"generated_at":      b.now().Format(time.RFC3339),
		"summary_text":      prompt + "\n\n" + excerpt(transcript, 280),
		"key_points":        []string{"Customer inquiry handled", "Information provided", "Next steps identified"},
		"duration_analyzed": "Full call",
	}
	if err := b.Store.SaveCallSummary(ctx, CallSummary{
		UserID:           inv.UserID,
		CallID:           argString(inv.Args, "call_id"),
		Type:             kind,
		Data:             summary,
		TranscriptLength: len(transcript),
	}); err != nil {
		return nil, fmt.Errorf("failed to store call summary: %w", err)
	}
	return summary, nil
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (b *Builtins) triggerWebhook(ctx context.Context, inv Invocation) (map[string]any, error) {
	url := argString(inv.Args, "webhook_url")
	event := argString(inv.Args, "event_type")
	payload := map[string]any{
		"event_type": event,
		"timestamp":  b.now().Format(time.RFC3339),
		"user_id":    inv.UserID,
		"call_id":    inv.CallSid,
		"data":       inv.Args["data"],
	}

	client := b.Webhooks
	if client == nil {
		client = NewWebhookClient(DefaultTimeout)
	}
	logEntry := WebhookLog{UserID: inv.UserID, URL: url, EventType: event, Payload: payload, At: b.now()}
	_, err := client.Post(ctx, url, payload)
	if err != nil {
		var werr *WebhookError
		if errors.As(err, &werr) {
			logEntry.ResponseStatus = werr.StatusCode
		}
		logEntry.Error = err.Error()
		b.logWebhook(ctx, logEntry)
		return nil, fmt.Errorf("webhook failed: %w", err)
	}
	logEntry.ResponseStatus = 200
	b.logWebhook(ctx, logEntry)

	return map[string]any{
		"webhook_id":      "webhook_" + uuid.NewString(),
		"status":          "success",
		"response_status": logEntry.ResponseStatus,
		"message":         "Webhook triggered successfully for " + event,
	}, nil
}

func (b *Builtins) logWebhook(ctx context.Context, l WebhookLog) {
	if b.Store == nil {
		return
	}
	// Logging is best-effort; the webhook outcome decides the result.
	_ = b.Store.LogWebhook(context.WithoutCancel(ctx), l)
}

func (b *Builtins) createCRMContact(ctx context.Context, inv Invocation) (map[string]any, error) {
	if b.Store == nil {
		return nil, errStoreUnavailable
	}
	crmType := argString(inv.Args, "crm_type")
	integrationID, ok, err := b.Store.CRMIntegrationID(ctx, inv.UserID, crmType)
	if err != nil || !ok {
		return nil, fmt.Errorf("%s integration not configured", crmType)
	}

	contact, _ := inv.Args["contact_data"].(map[string]any)
	data := make(map[string]any, len(contact)+4)
	for k, v := range contact {
		data[k] = v
	}
	data["source"] = "ai_call_center"
	data["created_via"] = "phone_call"
	data["call_id"] = inv.CallSid
	data["created_at"] = b.now().Format(time.RFC3339)

	contactID := crmType + "_" + uuid.NewString()
	if err := b.Store.SaveCRMContact(ctx, CRMContact{
		UserID:        inv.UserID,
		CallID:        inv.CallSid,
		CRMType:       crmType,
		ContactID:     contactID,
		IntegrationID: integrationID,
		Data:          data,
	}); err != nil {
		return nil, fmt.Errorf("failed to create CRM contact: %w", err)
	}
	return map[string]any{
		"crm_contact_id": contactID,
		"crm_type":       crmType,
		"contact_name":   strings.TrimSpace(argString(contact, "first_name") + " " + argString(contact, "last_name")),
		"message":        "Contact created successfully in " + crmType,
	}, nil
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == math.Trunc(v) {
			return fmt.Sprintf("%.0f", v)
		}
		return fmt.Sprintf("%g", v)
	default:
		return ""
	}
}

func argNumber(args map[string]any, key string) (float64, bool) {
	if args == nil {
		return 0, false
	}
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
