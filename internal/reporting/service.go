package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// StatsWindow is the look-back used for routing stats when no range is given.
const StatsWindow = 24 * time.Hour

// conversionTool is the tool whose successful invocation counts as a conversion.
const conversionTool = "schedule_appointment"

// Repository reads the call log and the audit trail. Both are append-mostly
// sources; reporting never writes.
type Repository interface {
	ListCalls(ctx context.Context, userID string, from, to time.Time, agentID string) ([]calls.CallRecord, error)
	ListEvents(ctx context.Context, t audit.EventType, from, to time.Time) ([]audit.Event, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if !req.Range.valid() {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To, req.AgentID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, AgentID: req.AgentID}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.Direction == "outbound" {
			out.OutboundCalls++
		} else {
			out.InboundCalls++
		}
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusNoAnswer:
			out.NoAnswerCalls++
		case calls.CallStatusBusy:
			out.BusyCalls++
		case calls.CallStatusCanceled:
			out.CanceledCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}

// RoutingStats aggregates routing decisions. A zero range means the last 24h.
func (s *Service) RoutingStats(ctx context.Context, r TimeRange) (RoutingStats, error) {
	if r.From.IsZero() && r.To.IsZero() {
		now := s.clock().UTC()
		r = TimeRange{From: now.Add(-StatsWindow), To: now}
	}
	if !r.valid() {
		return RoutingStats{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return RoutingStats{}, errors.New("reporting: repository not configured")
	}

	events, err := s.repo.ListEvents(ctx, audit.EventTypeRoutingDecision, r.From, r.To)
	if err != nil {
		return RoutingStats{}, err
	}

	out := RoutingStats{Range: r, ByReason: map[string]int{}}
	byAgent := map[string]*AgentRouting{}
	for _, e := range events {
		out.Total++
		out.ByReason[e.Reason]++

		a, ok := byAgent[e.AgentID]
		if !ok {
			var meta struct {
				AgentName string `json:"agent_name"`
				AgentType string `json:"agent_type"`
			}
			_ = json.Unmarshal([]byte(e.Metadata), &meta)
			a = &AgentRouting{AgentID: e.AgentID, AgentName: meta.AgentName, AgentType: meta.AgentType}
			byAgent[e.AgentID] = a
		}
		a.Calls++
	}
	for _, a := range byAgent {
		out.ByAgent = append(out.ByAgent, *a)
	}
	sort.Slice(out.ByAgent, func(i, j int) bool {
		if out.ByAgent[i].Calls != out.ByAgent[j].Calls {
			return out.ByAgent[i].Calls > out.ByAgent[j].Calls
		}
		return out.ByAgent[i].AgentID < out.ByAgent[j].AgentID
	})
	return out, nil
}

func (s *Service) ConversionMetrics(ctx context.Context, req ConversionMetricsRequest) (ConversionMetrics, error) {
	if req.AgentID == "" || !req.Range.valid() {
		return ConversionMetrics{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return ConversionMetrics{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, "", req.Range.From, req.Range.To, req.AgentID)
	if err != nil {
		return ConversionMetrics{}, err
	}
	events, err := s.repo.ListEvents(ctx, audit.EventTypeToolInvoked, req.Range.From, req.Range.To)
	if err != nil {
		return ConversionMetrics{}, err
	}

	out := ConversionMetrics{AgentID: req.AgentID, CallsAttempted: len(rows)}
	for _, c := range rows {
		if c.Status == calls.CallStatusCompleted || c.Status == calls.CallStatusInProgress {
			out.CallsConnected++
		}
	}

	// One conversion per call, however many appointments it booked.
	converted := map[string]struct{}{}
	for _, e := range events {
		if e.AgentID != req.AgentID || e.Reason != conversionTool {
			continue
		}
		var meta struct {
			Success bool `json:"success"`
		}
		if json.Unmarshal([]byte(e.Metadata), &meta) != nil || !meta.Success {
			continue
		}
		converted[e.CallSid] = struct{}{}
	}
	out.Conversions = len(converted)

	if out.CallsAttempted > 0 {
		out.ConnectionRate = float64(out.CallsConnected) / float64(out.CallsAttempted)
		out.ConversionRate = float64(out.Conversions) / float64(out.CallsAttempted)
	}
	return out, nil
}
