// internal/repository/postgres/portfolio_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"folio-service/internal/domain/portfolio"
	xerrors "folio-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

// PortfolioRepository holds the tenant-scoped queries. Every method takes the
// transaction opened by AccessManager; none of the queries filters by owner
// because the row-isolation policies do that from the bound identity. Calling
// these outside an identity-bound transaction makes the database raise.
type PortfolioRepository struct{}

func NewPortfolioRepository() *PortfolioRepository {
	return &PortfolioRepository{}
}

func (r *PortfolioRepository) ListPortfolios(ctx context.Context, tx pgx.Tx) ([]portfolio.Portfolio, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, name, base_currency, is_default, created_at
		FROM portfolios
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var out []portfolio.Portfolio
	for rows.Next() {
		var p portfolio.Portfolio
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.BaseCurrency, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PortfolioRepository) GetPortfolio(ctx context.Context, tx pgx.Tx, id int64) (*portfolio.Portfolio, error) {
	var p portfolio.Portfolio
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, name, base_currency, is_default, created_at
		FROM portfolios
		WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.Name, &p.BaseCurrency, &p.IsDefault, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return &p, nil
}

func (r *PortfolioRepository) InsertHolding(ctx context.Context, tx pgx.Tx, h *portfolio.Holding) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO holdings (portfolio_id, user_id, symbol, quantity, cost_basis)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, h.PortfolioID, h.UserID, h.Symbol, h.Quantity, h.CostBasis).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert holding: %w", err)
	}
	return nil
}

func (r *PortfolioRepository) ListHoldings(ctx context.Context, tx pgx.Tx, portfolioID int64) ([]portfolio.Holding, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, portfolio_id, user_id, symbol, quantity, cost_basis, created_at
		FROM holdings
		WHERE portfolio_id = $1
		ORDER BY symbol
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var out []portfolio.Holding
	for rows.Next() {
		var h portfolio.Holding
		if err := rows.Scan(&h.ID, &h.PortfolioID, &h.UserID, &h.Symbol, &h.Quantity, &h.CostBasis, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetUser reads the subject's own user row (row isolation scopes it).
func (r *PortfolioRepository) GetUser(ctx context.Context, tx pgx.Tx, id int64) (*portfolio.User, error) {
	var u portfolio.User
	err := tx.QueryRow(ctx, `
		SELECT id, email, role, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
