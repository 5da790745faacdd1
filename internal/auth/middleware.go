// Package auth identifies the acting party on each request. Credentials are
// checked by the upstream gateway, which forwards the party id in
// X-Party-ID; admin routes additionally require the shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/harvestmart/internal/logging"
)

const (
	// HeaderPartyID carries the acting party id.
	HeaderPartyID = "X-Party-ID"
	// HeaderAdminSecret carries the admin secret on admin routes.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyPartyID is the gin context key holding the acting party.
	ContextKeyPartyID = "partyID"

	maxPartyIDLen = 128
)

// reserved ids name internal actors and are never accepted from a client.
var reserved = map[string]bool{"admin": true, "system": true}

// Middleware copies a well-formed X-Party-ID into the gin context and
// tags the request logger with it. Reserved ids are dropped, leaving the
// request anonymous.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderPartyID))
		if id != "" && len(id) <= maxPartyIDLen && !reserved[strings.ToLower(id)] {
			c.Set(ContextKeyPartyID, id)
			ctx := logging.WithAttrs(c.Request.Context(), "party_id", id)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// RequireParty rejects requests that carry no party id.
func RequireParty() gin.HandlerFunc {
	return func(c *gin.Context) {
		if PartyID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Party-ID header required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match
// secret. An empty secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin access required",
			})
			return
		}
		c.Set(ContextKeyPartyID, "admin")
		c.Next()
	}
}

// PartyID returns the acting party, or "" when the request is anonymous.
func PartyID(c *gin.Context) string {
	return c.GetString(ContextKeyPartyID)
}
