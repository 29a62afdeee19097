package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"callbridge/internal/routing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_CountersAndGauge(t *testing.T) {
	m := NewMetrics("callbridge", prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.ObserveToolCall("schedule_appointment", true, 20*time.Millisecond)
	m.ObserveToolCall("schedule_appointment", false, 5*time.Millisecond)
	m.RecordDecision(context.Background(), "CA1", routing.Decision{Reason: routing.ReasonAfterHours, Action: routing.Action{Kind: routing.ActionDirect}})

	body := scrape(t, m)
	for _, want := range []string{
		"callbridge_active_sessions 1",
		`callbridge_tool_calls_total{outcome="error",tool="schedule_appointment"} 1`,
		`callbridge_tool_calls_total{outcome="success",tool="schedule_appointment"} 1`,
		`callbridge_routing_decisions_total{action="direct",reason="after_hours"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, body)
		}
	}
}

func TestMetrics_SeparateRegistriesDoNotCollide(t *testing.T) {
	a := NewMetrics("callbridge", nil)
	b := NewMetrics("callbridge", nil)
	a.MediaFrame("inbound")

	if !strings.Contains(scrape(t, a), `callbridge_media_frames_total{direction="inbound"} 1`) {
		t.Fatalf("frame missing from first registry")
	}
	if strings.Contains(scrape(t, b), `callbridge_media_frames_total{direction="inbound"}`) {
		t.Fatalf("second registry should not see the first one's samples")
	}
}
