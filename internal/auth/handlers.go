package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/domain"
)

// Handler provides HTTP endpoints for API key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterProtectedRoutes sets up routes for an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up admin-token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:user/keys", h.IssueKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":        "api_key",
		"header":      "Authorization: Bearer sk_...",
		"alt_header":  "X-API-Key: sk_...",
		"admin":       AdminTokenHeader + ": <token>",
		"note":        "Keys are issued by an operator. Store them securely.",
		"public":      []string{"GET /v1/listings/:id", "GET /health"},
		"admin_scope": []string{"/v1/admin/*"},
	})
}

// Me returns the authenticated user
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		apierr.Write(c, domain.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    key.UserID,
		"key_id":     key.ID,
		"key_name":   key.Name,
		"created_at": key.CreatedAt,
	})
}

// ListKeys returns API keys for the authenticated user
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), UserID(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// IssueKeyRequest is the request body for issuing a key
type IssueKeyRequest struct {
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// IssueKey handles POST /v1/admin/users/:user/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.InvalidRequest(c, "Invalid request body")
			return
		}
	}
	if req.Name == "" {
		req.Name = "default"
	}
	if req.TTLSeconds < 0 {
		apierr.Write(c, domain.ErrInvalidInput.With("ttl_seconds must not be negative"))
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), c.Param("user"), req.Name,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey handles DELETE /v1/auth/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		apierr.Write(c, domain.ErrUnauthorized)
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		apierr.Write(c, domain.ErrInvalidInput.With("cannot revoke the key you're using"))
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.UserID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found or already revoked",
			})
			return
		}
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"key_id":  keyID,
	})
}
