package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// CallsSummaryRequest aggregates the call log. UserID and AgentID narrow the
// rows; empty means all.
type CallsSummaryRequest struct {
	UserID  string    `json:"user_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Range   TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	InboundCalls    int `json:"inbound_calls"`
	OutboundCalls   int `json:"outbound_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	CanceledCalls   int `json:"canceled_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls int `json:"recorded_calls"`
}

// RoutingStats counts routing decisions by reason and by agent.
type RoutingStats struct {
	Range    TimeRange      `json:"range"`
	Total    int            `json:"total"`
	ByReason map[string]int `json:"by_reason"`
	ByAgent  []AgentRouting `json:"by_agent"`
}

type AgentRouting struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Calls     int    `json:"calls"`
}

// ConversionMetricsRequest measures how many calls for an agent ended with a
// booked appointment.
type ConversionMetricsRequest struct {
	AgentID string    `json:"agent_id"`
	Range   TimeRange `json:"range"`
}

type ConversionMetrics struct {
	AgentID string `json:"agent_id"`

	CallsAttempted int `json:"calls_attempted"`
	CallsConnected int `json:"calls_connected"`
	Conversions    int `json:"conversions"`

	ConnectionRate float64 `json:"connection_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}
