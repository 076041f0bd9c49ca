// internal/handlers/admin/admin_handler.go
package admin

import (
	"errors"
	"net/http"

	"folio-service/internal/domain/auth"
	"folio-service/internal/middleware"
	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/response"
	"folio-service/internal/repository/postgres"
	authUsecase "folio-service/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler serves the operator surface. All routes require an admin
// session; the gateway enforces that before these run.
type AdminHandler struct {
	authService *authUsecase.AuthService
	access      *postgres.AccessManager
	logger      *zap.Logger
}

func NewAdminHandler(authService *authUsecase.AuthService, access *postgres.AccessManager, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		authService: authService,
		access:      access,
		logger:      logger,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, xerrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, xerrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, xerrors.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, xerrors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RevokeUser destroys every session of the target subject
func (h *AdminHandler) RevokeUser(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	var body struct {
		SubjectID int64 `json:"subject_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}

	resp, err := h.authService.Revoke(c.Request.Context(), sess, &auth.RevokeRequest{
		Scope:     "user",
		SubjectID: body.SubjectID,
	})
	if err != nil {
		response.Error(c, statusFor(err), xerrors.Code(err), "revocation failed")
		return
	}
	response.Success(c, http.StatusOK, "sessions revoked", resp)
}

// ChangeRole updates a subject's role and invalidates their sessions
func (h *AdminHandler) ChangeRole(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	var req auth.ChangeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}

	if err := h.authService.ChangeRole(c.Request.Context(), sess, &req); err != nil {
		response.Error(c, statusFor(err), xerrors.Code(err), "role change failed")
		return
	}
	response.Success(c, http.StatusOK, "role changed", nil)
}

// PoolStats reports database pool gauges for operators
func (h *AdminHandler) PoolStats(c *gin.Context) {
	response.Success(c, http.StatusOK, "pool stats", h.access.PoolStats())
}
