// Package ginmw provides Gin middleware gating screens through a
// portal.Admitter.
//
// Every middleware accepts the Admitter interface, so any guard
// implementation (including test doubles) can back it.
package ginmw

import (
	"net/http"
	"net/url"

	portal "github.com/chimerakang/portal-go"
	"github.com/chimerakang/portal-go/audit"
	"github.com/gin-gonic/gin"
)

// Context keys for storing admission data in gin.Context.
const (
	KeyClaims    = "portal_claims"
	KeyUserID    = "portal_user_id"
	KeyRole      = "portal_role"
	KeyRequestID = "portal_request_id"
)

// HeaderRequestID carries the request ID in and out.
const HeaderRequestID = "X-Request-ID"

// RequestID returns middleware that propagates or assigns a request ID, in
// the response header and in the request context for audit events.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = audit.NewRequestID()
		}
		c.Set(KeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(audit.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Protect returns middleware admitting only identities with one of roles (any
// authenticated identity when roles is empty). Denied navigations are
// redirected to loginScreen with the original path in the "next" parameter.
func Protect(admitter portal.Admitter, loginScreen string, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		adm, ok := admit(c, admitter, roles)
		if !ok {
			c.Redirect(http.StatusFound, loginScreen+"?next="+url.QueryEscape(c.Request.URL.RequestURI()))
			c.Abort()
			return
		}
		store(c, adm.Claims)
		c.Next()
	}
}

// Require is Protect for API routes: it answers 401 when there is no usable
// session and 403 when the role does not match, instead of redirecting.
func Require(admitter portal.Admitter, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		adm, ok := admit(c, admitter, roles)
		if !ok {
			status := http.StatusUnauthorized
			if adm.Reason == portal.ReasonRoleMismatch {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "access denied", "reason": adm.Reason})
			return
		}
		store(c, adm.Claims)
		c.Next()
	}
}

func admit(c *gin.Context, admitter portal.Admitter, roles []string) (portal.Admission, bool) {
	if admitter == nil {
		return portal.Admission{Decision: portal.Denied, Reason: portal.ReasonNoToken}, false
	}
	screen := c.FullPath()
	if screen == "" {
		screen = c.Request.URL.Path
	}
	ctx := portal.WithScreen(c.Request.Context(), screen)
	adm := admitter.Admit(ctx, roles...)
	return adm, adm.Decision == portal.Granted
}

func store(c *gin.Context, claims *portal.Claims) {
	if claims == nil {
		return
	}
	c.Set(KeyClaims, claims)
	c.Set(KeyUserID, claims.UserID)
	c.Set(KeyRole, claims.Role)
	c.Request = c.Request.WithContext(portal.WithClaims(c.Request.Context(), claims))
}

// --- Context helpers ---

// GetClaims returns the admitted claims from the Gin context.
func GetClaims(c *gin.Context) *portal.Claims {
	v, _ := c.Get(KeyClaims)
	cl, _ := v.(*portal.Claims)
	return cl
}

// GetUserID returns the admitted user ID from the Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(KeyUserID)
}

// GetRole returns the admitted role from the Gin context.
func GetRole(c *gin.Context) string {
	return c.GetString(KeyRole)
}

// GetRequestID returns the request ID assigned by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(KeyRequestID)
}
