// internal/middleware/auth_middleware.go
package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/response"
	"folio-service/internal/pkg/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionValidator checks and slides a session by its opaque id.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (*session.Session, error)
}

// AuthGateway guards every protected route. It resolves the session id from
// the cookie or the Authorization header, validates it against the store,
// and binds the identity onto the request context. Any store failure denies
// the request; there is no cached fallback.
type AuthGateway struct {
	validator    SessionValidator
	cookieName   string
	cookieSecure bool
	warnAfter    time.Duration
	logger       *zap.Logger
}

func NewAuthGateway(validator SessionValidator, cookieName string, cookieSecure bool, warnAfter time.Duration, logger *zap.Logger) *AuthGateway {
	if cookieName == "" {
		cookieName = "app_session"
	}
	return &AuthGateway{
		validator:    validator,
		cookieName:   cookieName,
		cookieSecure: cookieSecure,
		warnAfter:    warnAfter,
		logger:       logger,
	}
}

// Authenticate validates the session and sets the identity on the context.
func (g *AuthGateway) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		sessionID := g.extractSessionID(c)
		if sessionID == "" {
			g.deny(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}

		sess, err := g.validate(c.Request.Context(), sessionID)
		if err != nil {
			g.clearCookie(c)
			status := http.StatusUnauthorized
			if xerrors.Is(err, xerrors.ErrForbidden) {
				status = http.StatusForbidden
			}
			// A store outage must read like any other auth failure on the
			// wire; the cause stays in the log.
			code := xerrors.Code(err)
			if xerrors.Is(err, xerrors.ErrStoreUnavailable) {
				code = "unauthorized"
			}
			g.logger.Info("session rejected",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			g.deny(c, status, code, "invalid or expired session")
			return
		}

		elapsed := time.Since(start)

		c.Set("session", sess)
		c.Set("session_id", sess.ID)
		c.Set("subject_id", sess.SubjectID)
		c.Set("device_id", sess.DeviceID)
		c.Set("role", sess.Role)
		c.Set("role_version", sess.RoleVersion)
		c.Set("mfa_verified", sess.MFAVerified)
		c.Set("auth_latency", elapsed)

		if g.warnAfter > 0 && elapsed > g.warnAfter {
			g.logger.Warn("slow session validation",
				zap.Duration("elapsed", elapsed),
				zap.String("path", c.Request.URL.Path),
			)
		}

		c.Next()
	}
}

// validate shields the request from panics inside the validation path. A
// panic denies the request like any other failure.
func (g *AuthGateway) validate(ctx context.Context, sessionID string) (sess *session.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic during session validation", zap.Any("panic", r))
			sess, err = nil, xerrors.ErrUnauthorized
		}
	}()
	return g.validator.Validate(ctx, sessionID)
}

// RequireRole gates a route on the session role. MUST follow Authenticate.
func (g *AuthGateway) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := GetSession(c)
		if !ok {
			g.deny(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		for _, r := range roles {
			if sess.Role == r {
				c.Next()
				return
			}
		}
		g.deny(c, http.StatusForbidden, "forbidden", "insufficient role")
	}
}

// AdminOnly is Authenticate plus an admin role check.
func (g *AuthGateway) AdminOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		g.Authenticate(),
		g.RequireRole(session.RoleAdmin),
	}
}

// RequireMFA gates a route on a stepped-up session. MUST follow Authenticate.
func (g *AuthGateway) RequireMFA() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := GetSession(c)
		if !ok {
			g.deny(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !sess.MFAVerified {
			g.deny(c, http.StatusForbidden, "step_up_required", "step-up verification required")
			return
		}
		c.Next()
	}
}

// extractSessionID prefers the cookie; the Authorization header covers
// non-browser clients.
func (g *AuthGateway) extractSessionID(c *gin.Context) string {
	if v, err := c.Cookie(g.cookieName); err == nil && v != "" {
		return v
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}

// deny ends the request. API paths get a machine-readable JSON body; page
// paths get a redirect so the browser lands on login or access-denied.
func (g *AuthGateway) deny(c *gin.Context, status int, code, message string) {
	if isAPIPath(c.Request.URL.Path) {
		response.Error(c, status, code, message)
		return
	}

	if status == http.StatusForbidden {
		c.Redirect(http.StatusFound, "/access-denied")
	} else {
		c.Redirect(http.StatusFound, "/login?redirect="+url.QueryEscape(c.Request.URL.RequestURI()))
	}
	c.Abort()
}

func (g *AuthGateway) clearCookie(c *gin.Context) {
	c.SetCookie(g.cookieName, "", -1, "/", "", g.cookieSecure, true)
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}
