// internal/handlers/portfolio/portfolio_handler.go
package portfolio

import (
	"errors"
	"net/http"
	"strconv"

	"folio-service/internal/domain/portfolio"
	"folio-service/internal/middleware"
	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/response"
	portfolioUsecase "folio-service/internal/service/portfolio"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PortfolioHandler struct {
	service *portfolioUsecase.PortfolioService
	logger  *zap.Logger
}

func NewPortfolioHandler(service *portfolioUsecase.PortfolioService, logger *zap.Logger) *PortfolioHandler {
	return &PortfolioHandler{service: service, logger: logger}
}

func (h *PortfolioHandler) fail(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, xerrors.ErrRecordNotFound):
		response.NotFound(c, message)
	case errors.Is(err, xerrors.ErrForbidden):
		response.Forbidden(c, xerrors.Code(err), message)
	case errors.Is(err, xerrors.ErrInvalidInput):
		response.ValidationError(c, message)
	default:
		h.logger.Error(message, zap.Error(err))
		response.Error(c, http.StatusInternalServerError, "internal_error", message)
	}
}

// ListPortfolios returns the caller's portfolios (requires auth)
func (h *PortfolioHandler) ListPortfolios(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	out, err := h.service.ListPortfolios(c.Request.Context(), sess)
	if err != nil {
		h.fail(c, err, "failed to list portfolios")
		return
	}
	response.Success(c, http.StatusOK, "portfolios", out)
}

// ListHoldings returns the positions of one portfolio (requires auth)
func (h *PortfolioHandler) ListHoldings(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	portfolioID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ValidationError(c, "invalid portfolio id")
		return
	}

	out, err := h.service.ListHoldings(c.Request.Context(), sess, portfolioID)
	if err != nil {
		h.fail(c, err, "failed to list holdings")
		return
	}
	response.Success(c, http.StatusOK, "holdings", out)
}

// AddHolding inserts a position (requires auth + step-up)
func (h *PortfolioHandler) AddHolding(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	var req portfolio.CreateHoldingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request")
		return
	}

	out, err := h.service.AddHolding(c.Request.Context(), sess, &req)
	if err != nil {
		h.fail(c, err, "failed to add holding")
		return
	}
	response.Success(c, http.StatusCreated, "holding added", out)
}

// Profile returns the caller's user row (requires auth)
func (h *PortfolioHandler) Profile(c *gin.Context) {
	sess := middleware.MustGetSession(c)

	out, err := h.service.Profile(c.Request.Context(), sess)
	if err != nil {
		h.fail(c, err, "failed to load profile")
		return
	}
	response.Success(c, http.StatusOK, "profile", out)
}
