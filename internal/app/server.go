// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"

	"folio-service/internal/config"
	"folio-service/internal/db"
	adminHandler "folio-service/internal/handlers/admin"
	authHandler "folio-service/internal/handlers/auth"
	portfolioHandler "folio-service/internal/handlers/portfolio"
	"folio-service/internal/middleware"
	"folio-service/internal/pkg/channeltoken"
	"folio-service/internal/pkg/session"
	"folio-service/internal/repository/postgres"
	authUsecase "folio-service/internal/service/auth"
	"folio-service/internal/service/identity"
	portfolioUsecase "folio-service/internal/service/portfolio"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
}

func NewServer() *Server {
	cfg := config.Load()
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New()}
}

func (s *Server) Start(ctx context.Context) error {
	// ----- Logger -----
	var logger *zap.Logger
	var err error
	if s.cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()
	s.logger = logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
		DB:       s.cfg.RedisDB,
		PoolSize: 10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// ----- Channel token manager -----
	tokenManager, err := channeltoken.LoadAndBuild(s.cfg.ChannelToken)
	if err != nil {
		return fmt.Errorf("failed to load channel token manager: %w", err)
	}

	// ----- Session engine -----
	store := session.NewStore(redisClient, s.cfg.SessionKeyPrefix, s.cfg.SessionAbsoluteTTL, s.cfg.SessionIdleTTL, logger)
	versions := session.NewRoleVersionRegistry(redisClient, s.cfg.SessionKeyPrefix)

	cleaner := session.NewCleaner(redisClient, s.cfg.SessionKeyPrefix, s.cfg.CleanupInterval, logger)
	go cleaner.Run(ctx)

	// ----- Data access -----
	access := postgres.NewAccessManager(pool, s.cfg.CallTimeout, logger)
	provisioner := postgres.NewProvisioner(access, logger)
	portfolioRepo := postgres.NewPortfolioRepository()
	provider := identity.NewLocalProvider(access, logger)

	// ----- Services -----
	authService := authUsecase.NewAuthService(store, provisioner, provider, versions, tokenManager, logger)
	portfolioService := portfolioUsecase.NewPortfolioService(access, portfolioRepo, logger)

	// ----- Handlers -----
	cookie := authHandler.CookieConfig{
		Name:   s.cfg.CookieName,
		Secure: s.cfg.CookieSecure,
		MaxAge: int(s.cfg.SessionAbsoluteTTL.Seconds()),
	}
	authHandlerInst := authHandler.NewAuthHandler(authService, cookie, logger)
	portfolioHandlerInst := portfolioHandler.NewPortfolioHandler(portfolioService, logger)
	adminHandlerInst := adminHandler.NewAdminHandler(authService, access, logger)

	// ----- Middlewares -----
	gateway := middleware.NewAuthGateway(authService, s.cfg.CookieName, s.cfg.CookieSecure, s.cfg.AuthLatencyWarn, logger)

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(),
	)

	// ----- Router -----
	SetupRouter(s.engine, &Handlers{
		AuthHandler:      authHandlerInst,
		PortfolioHandler: portfolioHandlerInst,
		AdminHandler:     adminHandlerInst,
		Gateway:          gateway,
		Store:            store,
		Access:           access,
	})

	log.Printf("server running on %s", s.cfg.HTTPAddr)
	return s.engine.Run(s.cfg.HTTPAddr)
}
