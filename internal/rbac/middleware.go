package rbac

import (
	"net/http"

	"callbridge/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireTenant rejects identities without a tenant. Super admins act across
// tenants and pass.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if role, _ := auth.Role(ctx); IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, err := auth.TenantID(ctx); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows callers holding one of allowed. super_admin always
// passes; hidden roles pass only when listed.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// TenantScope returns the tenant a request may read. Super admins may name
// any tenant through requested; everyone else is pinned to their own.
func TenantScope(c *gin.Context, requested string) string {
	ctx := c.Request.Context()
	if role, _ := auth.Role(ctx); IsSuperAdmin(role) {
		return requested
	}
	tenant, _ := auth.TenantID(ctx)
	return tenant
}
