package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/pricing"
	"callbridge/internal/rbac"
	"callbridge/internal/reporting"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerOperatorKey = "X-Operator-Key"

// Handlers groups the operator API handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth        *auth.Manager
	OperatorKey string

	Calls   *calls.Manager
	Engine  *routing.Engine
	Reports *reporting.Service
	Pricing *pricing.Service
	Audit   *audit.Service

	// Ready reports whether backing stores answer. Nil means always ready.
	Ready func(ctx context.Context) error

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) Readyz(c *gin.Context) {
	if h.Ready != nil {
		if err := h.Ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("readiness check failed", "err", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "active_calls": h.activeCount()})
}

func (h Handlers) activeCount() int {
	if h.Calls == nil {
		return 0
	}
	return h.Calls.Count()
}

// MediaStream upgrades the carrier's media websocket and runs the call
// session on it until the call ends.
func (h Handlers) MediaStream(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sessions not configured"})
		return
	}
	conn, err := telephony.Upgrade(c.Writer, c.Request)
	if err != nil {
		// The upgrader has already written the error response.
		logger.FromGin(c).Warn("media stream upgrade failed", "err", err)
		return
	}
	h.Calls.Serve(c.Request.Context(), conn)
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Login issues a token pair to a trusted caller holding the operator key.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.OperatorKey == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "login disabled"})
		return
	}
	key := c.GetHeader(headerOperatorKey)
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.OperatorKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator key"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	if !rbac.IsKnownRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if req.TenantID == "" && !rbac.IsSuperAdmin(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.TenantID, req.Role)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	h.logAction(c, req.UserID, req.Role, "operator token issued", "", map[string]any{"tenant_id": req.TenantID})
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

// ActiveCalls lists live sessions on this instance visible to the caller.
func (h Handlers) ActiveCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sessions not configured"})
		return
	}
	tenant := rbac.TenantScope(c, c.Query("user_id"))
	out := make([]calls.Snapshot, 0)
	for _, s := range h.Calls.Active() {
		if tenant != "" && s.UserID != tenant {
			continue
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

type outboundRequest struct {
	AgentID string `json:"agent_id"`
	To      string `json:"to"`
	From    string `json:"from"`
	UserID  string `json:"user_id"`
}

// StartOutbound places an agent call to a number.
func (h Handlers) StartOutbound(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sessions not configured"})
		return
	}
	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	rec, d, err := h.Calls.StartOutbound(c.Request.Context(), calls.OutboundRequest{
		AgentID: req.AgentID,
		To:      req.To,
		From:    req.From,
		UserID:  rbac.TenantScope(c, req.UserID),
	})
	if err != nil {
		var apiErr *telephony.APIError
		switch {
		case errors.Is(err, calls.ErrNoDestination):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, calls.ErrNoCarrier):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.As(err, &apiErr):
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": apiErr.Message, "code": apiErr.Code})
		default:
			logger.FromGin(c).Error("outbound call failed", "err", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "outbound call failed"})
		}
		return
	}

	actor, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	h.logAction(c, actor, role, "outbound call placed", rec.CallSid, map[string]any{"agent_id": rec.AgentID, "to": rec.To})
	c.JSON(http.StatusCreated, gin.H{"call": rec, "decision": d})
}

// --- Routing ---

type routeTestRequest struct {
	Direction string `json:"direction"`
	From      string `json:"from"`
	To        string `json:"to"`
	AgentID   string `json:"agent_id"`
}

// RouteTest runs the routing engine without recording the decision.
func (h Handlers) RouteTest(c *gin.Context) {
	if h.Engine == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "routing not configured"})
		return
	}
	var req routeTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	dry := *h.Engine
	dry.Recorders = nil

	var d routing.Decision
	switch routing.Direction(req.Direction) {
	case routing.DirectionOutbound:
		d = dry.RouteOutbound(c.Request.Context(), req.AgentID)
	case "", routing.DirectionInbound:
		d = dry.RouteInbound(c.Request.Context(), routing.InboundCall{From: req.From, To: req.To})
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "direction must be inbound or outbound"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// --- Reports ---

func (h Handlers) RoutingStats(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reporting not configured"})
		return
	}
	r, ok := h.timeRange(c)
	if !ok {
		return
	}
	stats, err := h.Reports.RoutingStats(c.Request.Context(), r)
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reporting not configured"})
		return
	}
	r, ok := h.timeRange(c)
	if !ok {
		return
	}
	summary, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID:  rbac.TenantScope(c, c.Query("user_id")),
		AgentID: c.Query("agent_id"),
		Range:   r,
	})
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Conversions reports booked appointments for one agent. Callers other than
// super admins may only read agents of their own tenant.
func (h Handlers) Conversions(c *gin.Context) {
	if h.Reports == nil || h.Engine == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "reporting not configured"})
		return
	}
	agentID := c.Param("agent_id")
	p, err := h.Engine.Agent(c.Request.Context(), agentID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if tenant := rbac.TenantScope(c, p.UserID); tenant != p.UserID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	r, ok := h.timeRange(c)
	if !ok {
		return
	}
	m, err := h.Reports.ConversionMetrics(c.Request.Context(), reporting.ConversionMetricsRequest{AgentID: p.ID, Range: r})
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// timeRange reads from/to (RFC 3339). Missing bounds default to the last
// reporting.StatsWindow.
func (h Handlers) timeRange(c *gin.Context) (reporting.TimeRange, bool) {
	to := h.now().UTC()
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return reporting.TimeRange{}, false
		}
		to = t
	}
	from := to.Add(-reporting.StatsWindow)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return reporting.TimeRange{}, false
		}
		from = t
	}
	return reporting.TimeRange{From: from, To: to}, true
}

func (h Handlers) reportError(c *gin.Context, err error) {
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	logger.FromGin(c).Error("report failed", "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
}

// --- Pricing ---

type quoteRequest struct {
	ServiceType  string  `json:"service_type"`
	Quantity     float64 `json:"quantity"`
	CustomerTier string  `json:"customer_tier"`
	DiscountCode string  `json:"discount_code"`
}

// Quote prices a service the same way the calculate_pricing tool does.
func (h Handlers) Quote(c *gin.Context) {
	if h.Pricing == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "pricing not configured"})
		return
	}
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	q, err := h.Pricing.Quote(c.Request.Context(), pricing.QuoteRequest{
		ServiceType:  req.ServiceType,
		Quantity:     req.Quantity,
		CustomerTier: req.CustomerTier,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidPricingReq) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("quote failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "quote failed"})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h Handlers) logAction(c *gin.Context, actor, role, message, callSid string, meta map[string]any) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.LogOperatorAction(c.Request.Context(), actor, role, c.ClientIP(), message, callSid, audit.EncodeMetadata(meta)); err != nil {
		logger.FromGin(c).Warn("operator audit write failed", "err", err)
	}
}
