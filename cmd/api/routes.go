package main

import (
	"net/http"

	"callbridge/internal/httpapi"
	"callbridge/internal/rbac"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

const pathMediaStream = "/media-stream"

type routeDeps struct {
	API       httpapi.Handlers
	Webhooks  telephony.Webhooks
	WebhookMW []gin.HandlerFunc
	AuthMW    gin.HandlerFunc
	Metrics   http.Handler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.API

	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(d.Metrics))

	// Carrier callbacks. Signature checks apply when enabled.
	d.Webhooks.Register(r.Group("", d.WebhookMW...))
	r.GET(pathMediaStream, h.MediaStream)

	// Token issuance is gated by the operator key, not a bearer token.
	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1")
	v1.Use(d.AuthMW, rbac.RequireTenant())
	{
		calls := v1.Group("/calls")
		{
			calls.GET("/active", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleAnalyst, rbac.RoleSupport), h.ActiveCalls)
			calls.POST("/outbound", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator), h.StartOutbound)
		}

		routing := v1.Group("/routing")
		{
			routing.POST("/test", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator), h.RouteTest)
			// Stats span every tenant.
			routing.GET("/stats", rbac.RequireAnyRole(rbac.RoleSupport), h.RoutingStats)
		}

		reports := v1.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAnalyst))
		{
			reports.GET("/calls", h.CallsReport)
			reports.GET("/agents/:agent_id/conversions", h.Conversions)
		}

		v1.POST("/pricing/quote", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleAnalyst), h.Quote)
	}
}
