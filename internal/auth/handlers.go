package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
)

// Handler serves key management endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates the key management handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterAdminRoutes mounts key issuance on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:tenantId/keys", h.IssueKey)
}

// RegisterTenantRoutes mounts self-service key routes on a tenant group.
func (h *Handler) RegisterTenantRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

type issueKeyRequest struct {
	Name string `json:"name"`
}

// IssueKey handles POST /v1/admin/tenants/:tenantId/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req issueKeyRequest
	_ = c.ShouldBindJSON(&req)

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), c.Param("tenantId"), req.Name)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":   raw,
		"keyId":    key.ID,
		"tenantId": key.TenantID,
		"name":     key.Name,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /v1/billing/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/billing/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if current, ok := GetAPIKey(c); ok && current.ID == keyID {
		apperr.Abort(c, apperr.New(apperr.InvalidInput, "cannot revoke the key used for this request"))
		return
	}
	if err := h.manager.RevokeKey(c.Request.Context(), TenantID(c), keyID); err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": keyID, "revoked": true})
}
