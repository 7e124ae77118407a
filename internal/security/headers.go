// Package security provides HTTP hardening middleware for the settlement
// API. Every response is JSON, so nothing is ever rendered, framed or
// cached by intermediaries.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIHeaders are set on every response.
var APIHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	// Balances, OTP codes and order state must never be served from a cache.
	{"Cache-Control", "no-store"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// CORS method and header lists. X-Admin-Token carries the admin
// credential; X-Request-ID is echoed back for log correlation.
var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Authorization", "Content-Type", "X-Request-ID", "X-Admin-Token"}, ", ")
)

// HeadersMiddleware adds APIHeaders to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range APIHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints. An empty list allows any
// origin (development); "*" allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := originsMap["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Header("Vary", "Origin")

		if origin != "" && (len(allowedOrigins) == 0 || wildcard || originsMap[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", corsMethods)
			c.Header("Access-Control-Allow-Headers", corsHeaders)
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials with a wildcard origin would let any site act as the user.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
