// Package security provides HTTP hardening middleware for the settlement API.
package security

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminSecretHeader carries the operator secret on admin routes.
const AdminSecretHeader = "X-Admin-Secret"

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON and a websocket feed only, so the policy forbids everything else.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || originsMap[origin] || originsMap["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+AdminSecretHeader)
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard origins never get credentials.
			if !originsMap["*"] {
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

// RequireAdminSecret guards operator routes with a shared secret compared
// in constant time. An empty secret leaves the routes open, which config
// validation only permits outside production.
func RequireAdminSecret(secret string, logger *slog.Logger) gin.HandlerFunc {
	if secret == "" && logger != nil {
		logger.Warn("ADMIN_SECRET not set, admin routes are unauthenticated")
	}
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid " + AdminSecretHeader + " header required",
			})
			return
		}
		c.Next()
	}
}
