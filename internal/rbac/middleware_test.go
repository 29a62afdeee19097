package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"callbridge/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(userID, tenantID, role string, chain ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, tenantID, role))
		c.Next()
	}}, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serveAs("u", "", RoleSuperAdmin, RequireTenant(), RequireAnyRole(RoleOwner)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serveAs("u", "t", RoleSupport, RequireTenant(), RequireAnyRole(RoleOwner)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs("u", "t", RoleSupport, RequireTenant(), RequireAnyRole(RoleOwner, RoleSupport)); code != http.StatusOK {
		t.Fatalf("expected 200 when hidden role is listed, got %d", code)
	}
}

func TestRequireTenant(t *testing.T) {
	if code := serveAs("u", "", RoleOwner, RequireTenant(), RequireAnyRole(RoleOwner)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestTenantScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		role, tenant, requested, want string
	}{
		{RoleAnalyst, "t1", "t2", "t1"},
		{RoleSuperAdmin, "", "t2", "t2"},
		{RoleSuperAdmin, "", "", ""},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u", tc.tenant, tc.role))
		if got := TenantScope(c, tc.requested); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.role, tc.want, got)
		}
	}
}
