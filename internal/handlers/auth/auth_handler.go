// internal/handlers/auth/auth_handler.go
package auth

import (
	"errors"
	"net/http"

	"folio-service/internal/domain/auth"
	"folio-service/internal/middleware"
	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/response"
	authUsecase "folio-service/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CookieConfig describes the session cookie the handler plants at login.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge int // seconds; match the absolute session lifetime
}

type AuthHandler struct {
	authService *authUsecase.AuthService
	cookie      CookieConfig
	logger      *zap.Logger
}

func NewAuthHandler(authService *authUsecase.AuthService, cookie CookieConfig, logger *zap.Logger) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "app_session"
	}
	return &AuthHandler{
		authService: authService,
		cookie:      cookie,
		logger:      logger,
	}
}

// statusFor maps service errors onto HTTP statuses. Unknown errors read as
// 500 without leaking detail.
func statusFor(err error) int {
	switch {
	case errors.Is(err, xerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, xerrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, xerrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, xerrors.ErrConflict), errors.Is(err, xerrors.ErrProvisioningConflict):
		return http.StatusConflict
	case errors.Is(err, xerrors.ErrNotFound), errors.Is(err, xerrors.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, xerrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, sessionID string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, sessionID, h.cookie.MaxAge, "/", "", h.cookie.Secure, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, "", -1, "/", "", h.cookie.Secure, true)
}

// Register handles user registration (public endpoint)
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("registration failed",
			zap.String("email", req.Email),
			zap.Error(err),
		)
		response.Error(c, statusFor(err), xerrors.Code(err), "registration failed")
		return
	}

	h.setSessionCookie(c, loginResp.SessionID)
	response.Success(c, http.StatusCreated, "registration successful", loginResp)
}

// Login handles user login (public endpoint)
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("login failed",
			zap.String("email", req.Email),
			zap.String("ip", req.IPAddress),
			zap.Error(err),
		)
		response.Error(c, statusFor(err), xerrors.Code(err), "login failed")
		return
	}

	h.setSessionCookie(c, loginResp.SessionID)
	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// Logout destroys the current session and clears the cookie (requires auth)
func (h *AuthHandler) Logout(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	if err := h.authService.Logout(c.Request.Context(), sess.ID, sess.SubjectID); err != nil {
		h.logger.Error("logout failed",
			zap.Int64("subject_id", sess.SubjectID),
			zap.Error(err),
		)
		response.Error(c, statusFor(err), xerrors.Code(err), "logout failed")
		return
	}

	h.clearSessionCookie(c)
	response.Success(c, http.StatusOK, "logout successful", nil)
}

// Revoke tears down sessions by scope (requires auth)
func (h *AuthHandler) Revoke(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	var req auth.RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}

	resp, err := h.authService.Revoke(c.Request.Context(), sess, &req)
	if err != nil {
		response.Error(c, statusFor(err), xerrors.Code(err), "revocation failed")
		return
	}

	// the calling session is gone in both of these scopes
	if req.Scope == "current" || req.Scope == "all" {
		h.clearSessionCookie(c)
	}
	response.Success(c, http.StatusOK, "sessions revoked", resp)
}

// StepUp re-verifies the password and marks the session MFA (requires auth)
func (h *AuthHandler) StepUp(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	var req auth.StepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}

	if err := h.authService.StepUp(c.Request.Context(), sess, req.Password); err != nil {
		response.Error(c, statusFor(err), xerrors.Code(err), "step-up verification failed")
		return
	}

	response.Success(c, http.StatusOK, "session stepped up", nil)
}

// Sessions lists the caller's live sessions (requires auth)
func (h *AuthHandler) Sessions(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	infos, err := h.authService.Sessions(c.Request.Context(), sess.SubjectID, sess.ID)
	if err != nil {
		response.Error(c, statusFor(err), xerrors.Code(err), "failed to list sessions")
		return
	}

	response.Success(c, http.StatusOK, "active sessions", infos)
}

// ChannelToken mints a short-lived token for side channels (requires auth)
func (h *AuthHandler) ChannelToken(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	resp, err := h.authService.ChannelToken(c.Request.Context(), sess)
	if err != nil {
		response.Error(c, statusFor(err), xerrors.Code(err), "failed to mint channel token")
		return
	}

	response.Success(c, http.StatusOK, "channel token issued", resp)
}

// Me returns the identity bound to the current session (requires auth)
func (h *AuthHandler) Me(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	response.Success(c, http.StatusOK, "current session", gin.H{
		"subject_id":   sess.SubjectID,
		"device_id":    sess.DeviceID,
		"role":         sess.Role,
		"role_version": sess.RoleVersion,
		"mfa_verified": sess.MFAVerified,
	})
}
