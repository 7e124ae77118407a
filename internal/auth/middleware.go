package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
	// ContextKeyAdmin marks a request authenticated with the admin token
	ContextKeyAdmin = "authAdmin"

	// AdminTokenHeader carries the static admin token.
	AdminTokenHeader = "X-Admin-Token"
	// AdminIDHeader optionally names the operator for the audit log.
	AdminIDHeader = "X-Admin-Id"
)

// Middleware extracts and validates the API key from the request.
// On success it sets apiKey and authUserID in the gin context and
// attributes the request context to the user for audit entries.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				ctx := audit.WithActor(c.Request.Context(), domain.ActorUser, key.UserID)
				c.Request = c.Request.WithContext(ctx)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUserID); !exists {
			apierr.Write(c, domain.ErrUnauthorized.With("API key required. Include 'Authorization: Bearer sk_...' header."))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose admin token does not match token.
// An empty configured token disables every admin route.
func RequireAdmin(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := []byte(strings.TrimSpace(c.GetHeader(AdminTokenHeader)))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			apierr.Write(c, domain.ErrUnauthorized.With("admin token required"))
			c.Abort()
			return
		}

		adminID := strings.TrimSpace(c.GetHeader(AdminIDHeader))
		if adminID == "" {
			adminID = "admin"
		}
		c.Set(ContextKeyAdmin, adminID)
		ctx := audit.WithActor(c.Request.Context(), domain.ActorAdmin, adminID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// UserID returns the authenticated user's id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAdmin)
	return exists
}
