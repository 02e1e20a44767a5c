package auth

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/logging"
)

const (
	// ContextKeyAPIKey holds the authenticated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyTenantID holds the tenant id resolved from the key.
	ContextKeyTenantID = "tenantId"
)

var (
	errAdminDisabled = apperr.New(apperr.Unauthorized, "admin access is disabled")
	errAdminSecret   = apperr.New(apperr.Unauthorized, "invalid admin secret")
)

// RequireTenant rejects requests without a valid key and binds the key's
// tenant to the gin context, the request logger and the audit actor.
func RequireTenant(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-API-Key")
		if raw == "" {
			raw = c.GetHeader("Authorization")
		}
		key, err := m.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			apperr.Abort(c, err)
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyTenantID, key.TenantID)

		ctx := logging.WithTenantID(c.Request.Context(), key.TenantID)
		ctx = audit.WithActor(ctx, audit.ActorUser, key.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret in constant
// time. An empty secret disables every admin route.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			apperr.Abort(c, errAdminDisabled)
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			apperr.Abort(c, errAdminSecret)
			return
		}
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), audit.ActorAdmin, "admin"))
		c.Next()
	}
}

// TenantID returns the authenticated tenant id, or "" outside RequireTenant.
func TenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

// GetAPIKey returns the authenticated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}
