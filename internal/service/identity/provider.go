// internal/service/identity/provider.go
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/repository/postgres"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Provider verifies credentials for an email. Credential handling sits
// outside the session engine so deployments can swap in an SSO provider.
type Provider interface {
	// Verify checks the password for the email. It returns
	// xerrors.ErrUnauthorized for a wrong password or unknown email.
	Verify(ctx context.Context, email, password string) error

	// VerifySubject checks the password for an already resolved subject,
	// used by step-up where only the session identity is known.
	VerifySubject(ctx context.Context, subjectID int64, password string) error

	// Enroll stores credential material for an already provisioned subject.
	Enroll(ctx context.Context, subjectID int64, password string) error
}

// LocalProvider keeps bcrypt hashes in the database. All reads and writes
// run under the system identity because the credentials table is hidden
// from subject-scoped transactions.
type LocalProvider struct {
	access *postgres.AccessManager
	cost   int
	logger *zap.Logger
}

func NewLocalProvider(access *postgres.AccessManager, logger *zap.Logger) *LocalProvider {
	return &LocalProvider{
		access: access,
		cost:   bcrypt.DefaultCost,
		logger: logger,
	}
}

func (p *LocalProvider) Verify(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return xerrors.ErrUnauthorized
	}

	return p.verify(ctx, password, `
		SELECT c.password_hash
		FROM local_credentials c
		JOIN users u ON u.id = c.user_id
		WHERE LOWER(u.email) = $1
	`, email)
}

func (p *LocalProvider) VerifySubject(ctx context.Context, subjectID int64, password string) error {
	if subjectID <= 0 || password == "" {
		return xerrors.ErrUnauthorized
	}

	return p.verify(ctx, password, `
		SELECT password_hash FROM local_credentials WHERE user_id = $1
	`, subjectID)
}

func (p *LocalProvider) verify(ctx context.Context, password, query string, arg any) error {
	var hash string
	err := p.access.WithSystemIdentity(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, arg).Scan(&hash)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		// Burn a comparison so unknown identities cost the same as bad passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0123456789012345678901uGZLcVeVYVVl9l6aBGOaGwPce7rG8Km"), []byte(password))
		return xerrors.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return xerrors.ErrUnauthorized
	}
	return nil
}

func (p *LocalProvider) Enroll(ctx context.Context, subjectID int64, password string) error {
	if subjectID <= 0 {
		return fmt.Errorf("%w: invalid subject id", xerrors.ErrInvalidInput)
	}
	if len(password) < 8 {
		return fmt.Errorf("%w: password too short", xerrors.ErrInvalidInput)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	err = p.access.WithSystemIdentity(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO local_credentials (user_id, password_hash)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = now()
		`, subjectID, string(hashed))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	p.logger.Info("credentials enrolled", zap.Int64("subject_id", subjectID))
	return nil
}
