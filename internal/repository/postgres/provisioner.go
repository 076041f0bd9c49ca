// internal/repository/postgres/provisioner.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const upsertUserSQL = `
	INSERT INTO users (email, role)
	VALUES ($1, $2)
	ON CONFLICT ((LOWER(email))) DO UPDATE SET updated_at = now()
	RETURNING id, role, (xmax = 0) AS created
`

const insertDefaultPortfolioSQL = `
	INSERT INTO portfolios (user_id, name, is_default)
	VALUES ($1, 'Main Portfolio', true)
	ON CONFLICT (user_id) WHERE is_default DO NOTHING
	RETURNING id
`

const selectDefaultPortfolioSQL = `
	SELECT id FROM portfolios WHERE user_id = $1 AND is_default
`

// ProvisionResult reports the outcome of one provisioning call. Created is
// true for exactly one of any set of concurrent calls for the same subject.
type ProvisionResult struct {
	SubjectID  int64
	Role       string
	ResourceID int64
	Created    bool
}

// Provisioner bootstraps a tenant: one subject row plus its single default
// portfolio, idempotently, keyed by contact address. Safe to call
// concurrently any number of times for the same new subject.
type Provisioner struct {
	access *AccessManager
	logger *zap.Logger
}

func NewProvisioner(access *AccessManager, logger *zap.Logger) *Provisioner {
	return &Provisioner{access: access, logger: logger}
}

// Provision upserts the subject by email and creates the default portfolio
// if none exists yet, in one transaction under the system identity. A
// serialization, deadlock, or unique-violation failure is retried once
// before surfacing as a provisioning conflict.
func (p *Provisioner) Provision(ctx context.Context, email, role string) (*ProvisionResult, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", xerrors.ErrInvalidInput)
	}
	if role == "" {
		role = session.RoleOwner
	}

	result, err := p.provisionOnce(ctx, email, role)
	if err != nil && isProvisioningConflict(err) {
		p.logger.Warn("provisioning conflict, retrying once",
			zap.String("email", email),
			zap.Error(err),
		)
		result, err = p.provisionOnce(ctx, email, role)
		if err != nil && isProvisioningConflict(err) {
			return nil, fmt.Errorf("%w: %v", xerrors.ErrProvisioningConflict, err)
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provisioner) provisionOnce(ctx context.Context, email, role string) (*ProvisionResult, error) {
	var result ProvisionResult

	err := p.access.WithSystemIdentity(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var userCreated bool
		if err := tx.QueryRow(ctx, upsertUserSQL, email, role).Scan(&result.SubjectID, &result.Role, &userCreated); err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}

		err := tx.QueryRow(ctx, insertDefaultPortfolioSQL, result.SubjectID).Scan(&result.ResourceID)
		switch {
		case err == nil:
			result.Created = true
		case errors.Is(err, pgx.ErrNoRows):
			// Another provisioning call won the insert; read its portfolio.
			if err := tx.QueryRow(ctx, selectDefaultPortfolioSQL, result.SubjectID).Scan(&result.ResourceID); err != nil {
				return fmt.Errorf("failed to load default portfolio: %w", err)
			}
		default:
			return fmt.Errorf("failed to create default portfolio: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateRole rewrites the subject's stored role under an elevated identity
// scoped to that subject. Callers must bump the role version afterwards so
// outstanding sessions get invalidated.
func (p *Provisioner) UpdateRole(ctx context.Context, subjectID int64, role string) error {
	if subjectID <= 0 {
		return fmt.Errorf("%w: invalid subject id", xerrors.ErrInvalidInput)
	}

	return p.access.WithElevatedIdentity(ctx, subjectID, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET role = $2, updated_at = now() WHERE id = $1`, subjectID, role)
		if err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return xerrors.ErrRecordNotFound
		}
		return nil
	})
}

func isProvisioningConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505": // serialization, deadlock, unique violation
		return true
	}
	return false
}
