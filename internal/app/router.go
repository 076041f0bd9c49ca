// internal/app/router.go
package app

import (
	"net/http"

	adminHandler "folio-service/internal/handlers/admin"
	authHandler "folio-service/internal/handlers/auth"
	portfolioHandler "folio-service/internal/handlers/portfolio"
	"folio-service/internal/middleware"
	"folio-service/internal/pkg/session"
	"folio-service/internal/repository/postgres"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	AuthHandler      *authHandler.AuthHandler
	PortfolioHandler *portfolioHandler.PortfolioHandler
	AdminHandler     *adminHandler.AdminHandler
	Gateway          *middleware.AuthGateway
	Store            *session.Store
	Access           *postgres.AccessManager
}

func SetupRouter(r *gin.Engine, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		latency, err := h.Store.Ping(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "session store unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"store_latency_ms": latency.Milliseconds(),
		})
	})

	// ==================== Public Auth Routes ====================
	authPublic := api.Group("/auth")
	{
		authPublic.POST("/register", h.AuthHandler.Register)
		authPublic.POST("/login", h.AuthHandler.Login)
	}

	// ==================== Authenticated Auth Routes ====================
	authProtected := api.Group("/auth")
	authProtected.Use(h.Gateway.Authenticate())
	{
		authProtected.POST("/logout", h.AuthHandler.Logout)
		authProtected.POST("/revoke", h.AuthHandler.Revoke)
		authProtected.POST("/step-up", h.AuthHandler.StepUp)
		authProtected.GET("/me", h.AuthHandler.Me)
		authProtected.GET("/sessions", h.AuthHandler.Sessions)
		authProtected.POST("/channel-token", h.AuthHandler.ChannelToken)
	}

	// ==================== Portfolios ====================
	portfolios := api.Group("/portfolios")
	portfolios.Use(h.Gateway.Authenticate())
	{
		portfolios.GET("", h.PortfolioHandler.ListPortfolios)
		portfolios.GET("/:id/holdings", h.PortfolioHandler.ListHoldings)
		portfolios.POST("/holdings", h.Gateway.RequireMFA(), h.PortfolioHandler.AddHolding)
	}

	profile := api.Group("/profile")
	profile.Use(h.Gateway.Authenticate())
	{
		profile.GET("", h.PortfolioHandler.Profile)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(h.Gateway.AdminOnly()...)
	{
		admin.POST("/revoke-user", h.AdminHandler.RevokeUser)
		admin.POST("/change-role", h.AdminHandler.ChangeRole)
		admin.GET("/pool-stats", h.AdminHandler.PoolStats)
	}
}
