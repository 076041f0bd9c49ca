// internal/service/portfolio/portfolio.go
package portfolio

import (
	"context"
	"fmt"

	"folio-service/internal/domain/portfolio"
	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/session"
	"folio-service/internal/repository/postgres"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PortfolioService runs every query inside an identity-bound transaction, so
// the database itself scopes results to the calling subject. The service
// never filters by owner in application code.
type PortfolioService struct {
	access *postgres.AccessManager
	repo   *postgres.PortfolioRepository
	logger *zap.Logger
}

func NewPortfolioService(access *postgres.AccessManager, repo *postgres.PortfolioRepository, logger *zap.Logger) *PortfolioService {
	return &PortfolioService{access: access, repo: repo, logger: logger}
}

func identityFor(sess *session.Session) postgres.IdentityContext {
	return postgres.IdentityContext{SubjectID: sess.SubjectID, Roles: []string{sess.Role}}
}

func (s *PortfolioService) ListPortfolios(ctx context.Context, sess *session.Session) ([]portfolio.Portfolio, error) {
	var out []portfolio.Portfolio
	err := s.access.WithIdentity(ctx, identityFor(sess), func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.repo.ListPortfolios(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PortfolioService) ListHoldings(ctx context.Context, sess *session.Session, portfolioID int64) ([]portfolio.Holding, error) {
	var out []portfolio.Holding
	err := s.access.WithIdentity(ctx, identityFor(sess), func(ctx context.Context, tx pgx.Tx) error {
		// Resolve the portfolio first so a foreign id reads as not-found
		// instead of an empty list.
		if _, err := s.repo.GetPortfolio(ctx, tx, portfolioID); err != nil {
			return err
		}
		var err error
		out, err = s.repo.ListHoldings(ctx, tx, portfolioID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddHolding inserts a position. Sensitive writes require a stepped-up
// session; the row-isolation policy rejects writes into foreign portfolios.
func (s *PortfolioService) AddHolding(ctx context.Context, sess *session.Session, req *portfolio.CreateHoldingRequest) (*portfolio.Holding, error) {
	if !sess.MFAVerified {
		return nil, fmt.Errorf("%w: step-up required", xerrors.ErrForbidden)
	}

	h := &portfolio.Holding{
		PortfolioID: req.PortfolioID,
		UserID:      sess.SubjectID,
		Symbol:      req.Symbol,
		Quantity:    req.Quantity,
		CostBasis:   req.CostBasis,
	}

	err := s.access.WithIdentity(ctx, identityFor(sess), func(ctx context.Context, tx pgx.Tx) error {
		if _, err := s.repo.GetPortfolio(ctx, tx, req.PortfolioID); err != nil {
			return err
		}
		return s.repo.InsertHolding(ctx, tx, h)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("holding added",
		zap.Int64("subject_id", sess.SubjectID),
		zap.Int64("portfolio_id", req.PortfolioID),
		zap.String("symbol", req.Symbol),
	)
	return h, nil
}

// Profile reads the subject's own user row through the scoped transaction.
func (s *PortfolioService) Profile(ctx context.Context, sess *session.Session) (*portfolio.User, error) {
	var out *portfolio.User
	err := s.access.WithIdentity(ctx, identityFor(sess), func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.repo.GetUser(ctx, tx, sess.SubjectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
