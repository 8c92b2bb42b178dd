// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves bearer tokens into an identity. Authenticate stores the
// user id and role under the "userID" and "role" context keys, which the rate
// limiter, the idempotency validator and the handlers read. RequireAdmin
// guards the administrative routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-care-backend/internal/auth"
	"github.com/tbourn/go-care-backend/internal/domain"
)

// Context keys for the authenticated identity.
const (
	CtxKeyUserID = "userID"
	CtxKeyRole   = "role"
)

// TokenParser validates a bearer token. *auth.TokenManager satisfies it.
type TokenParser interface {
	ParseToken(token string) (*auth.Claims, error)
}

// Authenticate rejects requests without a valid "Authorization: Bearer" token
// with 401. On success the request-scoped logger is enriched with user_id.
func Authenticate(tp TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		scheme, token, found := strings.Cut(strings.TrimSpace(raw), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := tp.ParseToken(strings.TrimSpace(token))
		if err != nil {
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		c.Set(CtxKeyUserID, claims.UserID)
		c.Set(CtxKeyRole, claims.Role)

		lg := LoggerFrom(c).With().Str("user_id", claims.UserID).Logger()
		attachLogger(c, &lg)

		c.Next()
	}
}

// RequireAdmin rejects non-admin identities with 403. It must run after
// Authenticate.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			abortAuth(c, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" when the request is anonymous.
func UserID(c *gin.Context) string {
	return userIDFromCtx(c)
}

// IsAdmin reports whether the authenticated identity holds the admin role.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(CtxKeyRole)
	if !ok {
		return false
	}
	role, _ := v.(string)
	return role == domain.RoleAdmin
}

func abortAuth(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
