package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/pricing"
	"callbridge/internal/rbac"
	"callbridge/internal/reporting"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type stubDirectory struct {
	agents  map[string]routing.AgentProfile
	numbers map[string]string
}

func (d stubDirectory) AgentByPhoneNumber(ctx context.Context, number string) (routing.AgentProfile, bool, error) {
	a, ok := d.agents[d.numbers[number]]
	return a, ok, nil
}

func (d stubDirectory) ActiveAgentsByDirection(ctx context.Context, dir routing.Direction) ([]routing.AgentProfile, error) {
	var out []routing.AgentProfile
	for _, a := range d.agents {
		if a.Direction.Accepts(dir) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d stubDirectory) AgentByID(ctx context.Context, id string) (routing.AgentProfile, bool, error) {
	a, ok := d.agents[id]
	return a, ok, nil
}

func (d stubDirectory) MenuByID(ctx context.Context, id string) (routing.MenuDefinition, bool, error) {
	return routing.MenuDefinition{}, false, nil
}

type countingRecorder struct{ n int }

func (r *countingRecorder) RecordDecision(context.Context, string, routing.Decision) { r.n++ }

type stubCarrier struct {
	err    error
	placed []telephony.OutboundCall
}

func (c *stubCarrier) StartOutboundCall(ctx context.Context, call telephony.OutboundCall) (telephony.CallResource, error) {
	if c.err != nil {
		return telephony.CallResource{}, c.err
	}
	c.placed = append(c.placed, call)
	return telephony.CallResource{SID: "CA100", Status: "queued"}, nil
}

func (c *stubCarrier) EndCall(context.Context, string) error { return nil }

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func testDirectory() stubDirectory {
	return stubDirectory{
		agents: map[string]routing.AgentProfile{
			"sales": {ID: "sales", UserID: "t1", Name: "Sales", Type: routing.AgentTypeSales, Direction: routing.DirectionBoth, Active: true},
			"other": {ID: "other", UserID: "t2", Name: "Front desk", Direction: routing.DirectionInbound, Active: true},
		},
		numbers: map[string]string{"+15550001": "sales", "+15550002": "other"},
	}
}

// serve runs one request through h with the given identity already verified.
func serve(h Handlers, method, path, body, userID, tenantID, role string, register func(r gin.IRoutes)) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if role != "" {
		r.Use(func(c *gin.Context) {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, tenantID, role))
			c.Next()
		})
	}
	register(r)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func TestLogin(t *testing.T) {
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	repo := audit.NewMemoryRepo()
	h := Handlers{Auth: m, OperatorKey: "k3y", Audit: audit.NewService(repo)}
	register := func(r gin.IRoutes) { r.POST("/v1/auth/login", h.Login) }

	send := func(key, body string) *httptest.ResponseRecorder {
		gin.SetMode(gin.TestMode)
		r := gin.New()
		register(r)
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(headerOperatorKey, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := send("wrong", `{"user_id":"u","tenant_id":"t1","role":"owner"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", w.Code)
	}
	if w := send("k3y", `{"user_id":"u","tenant_id":"t1","role":"root"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
	if w := send("k3y", `{"user_id":"u","role":"owner"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant, got %d", w.Code)
	}

	w := send("k3y", `{"user_id":"u","tenant_id":"t1","role":"owner"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pair auth.TokenPair
	decode(t, w, &pair)
	claims, err := m.Verify(pair.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.TenantID != "t1" || claims.Role != rbac.RoleOwner {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if ev := repo.Events(); len(ev) != 1 || ev[0].Type != audit.EventTypeOperatorAction {
		t.Fatalf("expected one operator audit event, got %+v", ev)
	}

	disabled := Handlers{Auth: m}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/login", disabled.Login)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{}`)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without operator key, got %d", w.Code)
	}
}

func TestRouteTest_DoesNotRecord(t *testing.T) {
	rec := &countingRecorder{}
	engine := routing.NewEngine(testDirectory(), nil, rec)
	h := Handlers{Engine: engine}
	register := func(r gin.IRoutes) { r.POST("/v1/routing/test", h.RouteTest) }

	w := serve(h, http.MethodPost, "/v1/routing/test", `{"from":"+1999","to":"+15550001"}`, "u", "t1", rbac.RoleOwner, register)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var d routing.Decision
	decode(t, w, &d)
	if d.Profile.ID != "sales" || d.Reason != routing.ReasonPhoneNumber || d.Action.Kind != routing.ActionDirect {
		t.Fatalf("unexpected decision: %+v", d)
	}

	w = serve(h, http.MethodPost, "/v1/routing/test", `{"direction":"outbound","agent_id":"sales"}`, "u", "t1", rbac.RoleOwner, register)
	decode(t, w, &d)
	if d.Reason != routing.ReasonOutbound || d.Profile.ID != "sales" {
		t.Fatalf("unexpected outbound decision: %+v", d)
	}

	if w := serve(h, http.MethodPost, "/v1/routing/test", `{"direction":"sideways"}`, "u", "t1", rbac.RoleOwner, register); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad direction, got %d", w.Code)
	}
	if rec.n != 0 {
		t.Fatalf("dry run recorded %d decisions", rec.n)
	}
	if len(engine.Recorders) != 1 {
		t.Fatalf("engine recorders were modified")
	}
}

func newCallsManager(carrier calls.Carrier) *calls.Manager {
	return calls.NewManager(calls.Config{
		StreamURL:  "wss://bridge.example.com/media-stream",
		FromNumber: "+15550000",
	}, calls.Deps{
		Engine:      routing.NewEngine(testDirectory(), nil),
		Assignments: routing.NewAssignments(0),
		Carrier:     carrier,
	})
}

func TestStartOutbound(t *testing.T) {
	carrier := &stubCarrier{}
	repo := audit.NewMemoryRepo()
	h := Handlers{Calls: newCallsManager(carrier), Audit: audit.NewService(repo)}
	register := func(r gin.IRoutes) { r.POST("/v1/calls/outbound", h.StartOutbound) }

	w := serve(h, http.MethodPost, "/v1/calls/outbound", `{"agent_id":"sales","to":"+15557777","user_id":"t2"}`, "u", "t1", rbac.RoleOperator, register)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Call     calls.CallRecord `json:"call"`
		Decision routing.Decision `json:"decision"`
	}
	decode(t, w, &out)
	if out.Call.CallSid != "CA100" || out.Call.UserID != "t1" || out.Decision.Profile.ID != "sales" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if len(carrier.placed) != 1 || carrier.placed[0].From != "+15550000" {
		t.Fatalf("unexpected carrier calls: %+v", carrier.placed)
	}
	if ev := repo.Events(); len(ev) != 1 || ev[0].CallSid != "CA100" {
		t.Fatalf("expected operator audit event for the call, got %+v", ev)
	}

	if w := serve(h, http.MethodPost, "/v1/calls/outbound", `{"agent_id":"sales"}`, "u", "t1", rbac.RoleOperator, register); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without destination, got %d", w.Code)
	}

	carrier.err = &telephony.APIError{Code: 21211, Message: "invalid To number", Status: 400}
	if w := serve(h, http.MethodPost, "/v1/calls/outbound", `{"to":"+1"}`, "u", "t1", rbac.RoleOperator, register); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for carrier rejection, got %d", w.Code)
	}

	carrier.err = errors.New("dial tcp: timeout")
	if w := serve(h, http.MethodPost, "/v1/calls/outbound", `{"to":"+1"}`, "u", "t1", rbac.RoleOperator, register); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for transport failure, got %d", w.Code)
	}

	noCarrier := Handlers{Calls: newCallsManager(nil)}
	if w := serve(noCarrier, http.MethodPost, "/v1/calls/outbound", `{"to":"+1"}`, "u", "t1", rbac.RoleOperator, func(r gin.IRoutes) {
		r.POST("/v1/calls/outbound", noCarrier.StartOutbound)
	}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without carrier, got %d", w.Code)
	}
}

func TestActiveCalls_Empty(t *testing.T) {
	h := Handlers{Calls: newCallsManager(nil)}
	w := serve(h, http.MethodGet, "/v1/calls/active", "", "u", "t1", rbac.RoleAnalyst, func(r gin.IRoutes) {
		r.GET("/v1/calls/active", h.ActiveCalls)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Calls []calls.Snapshot `json:"calls"`
		Count int              `json:"count"`
	}
	decode(t, w, &out)
	if out.Count != 0 || out.Calls == nil {
		t.Fatalf("expected empty list, got %+v", out)
	}
}

func TestReports(t *testing.T) {
	repo := reporting.NewMemoryRepo()
	at := testNow.Add(-time.Hour)
	repo.Calls = []calls.CallRecord{
		{CallSid: "c1", UserID: "t1", AgentID: "sales", Direction: "inbound", Status: calls.CallStatusCompleted, DurationSeconds: 60, CreatedAt: at},
		{CallSid: "c2", UserID: "t2", AgentID: "other", Direction: "inbound", Status: calls.CallStatusCompleted, CreatedAt: at},
	}
	h := Handlers{
		Reports: reporting.NewService(repo),
		Engine:  routing.NewEngine(testDirectory(), nil),
		Now:     func() time.Time { return testNow },
	}
	register := func(r gin.IRoutes) {
		r.GET("/v1/reports/calls", h.CallsReport)
		r.GET("/v1/reports/agents/:agent_id/conversions", h.Conversions)
		r.GET("/v1/routing/stats", h.RoutingStats)
	}

	// Tenant callers cannot widen the scope through user_id.
	w := serve(h, http.MethodGet, "/v1/reports/calls?user_id=t2", "", "u", "t1", rbac.RoleAnalyst, register)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var summary reporting.CallsSummary
	decode(t, w, &summary)
	if summary.TotalCalls != 1 || summary.UserID != "t1" {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	w = serve(h, http.MethodGet, "/v1/reports/calls?user_id=t2", "", "root", "", rbac.RoleSuperAdmin, register)
	decode(t, w, &summary)
	if summary.TotalCalls != 1 || summary.UserID != "t2" {
		t.Fatalf("super admin should read t2: %+v", summary)
	}

	if w := serve(h, http.MethodGet, "/v1/reports/calls?from=yesterday", "", "u", "t1", rbac.RoleAnalyst, register); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
	inverted := "/v1/reports/calls?from=2026-03-02T10:00:00Z&to=2026-03-01T10:00:00Z"
	if w := serve(h, http.MethodGet, inverted, "", "u", "t1", rbac.RoleAnalyst, register); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}

	if w := serve(h, http.MethodGet, "/v1/reports/agents/other/conversions", "", "u", "t1", rbac.RoleAnalyst, register); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another tenant's agent, got %d", w.Code)
	}
	w = serve(h, http.MethodGet, "/v1/reports/agents/sales/conversions", "", "u", "t1", rbac.RoleAnalyst, register)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var conv reporting.ConversionMetrics
	decode(t, w, &conv)
	if conv.AgentID != "sales" || conv.CallsAttempted != 1 {
		t.Fatalf("unexpected conversions: %+v", conv)
	}

	w = serve(h, http.MethodGet, "/v1/routing/stats", "", "root", "", rbac.RoleSuperAdmin, register)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestQuote(t *testing.T) {
	h := Handlers{Pricing: pricing.NewService(nil)}
	register := func(r gin.IRoutes) { r.POST("/v1/pricing/quote", h.Quote) }

	w := serve(h, http.MethodPost, "/v1/pricing/quote", `{"service_type":"consultation","quantity":2}`, "u", "t1", rbac.RoleOwner, register)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q pricing.Quote
	decode(t, w, &q)
	if q.TotalMinor != 20000 || q.Currency != pricing.DefaultCurrency {
		t.Fatalf("unexpected quote: %+v", q)
	}

	if w := serve(h, http.MethodPost, "/v1/pricing/quote", `{"quantity":1}`, "u", "t1", rbac.RoleOwner, register); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without service type, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	down := Handlers{Ready: func(context.Context) error { return errors.New("db down") }}
	w := serve(down, http.MethodGet, "/readyz", "", "", "", "", func(r gin.IRoutes) { r.GET("/readyz", down.Readyz) })
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	up := Handlers{}
	w = serve(up, http.MethodGet, "/readyz", "", "", "", "", func(r gin.IRoutes) { r.GET("/readyz", up.Readyz) })
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
