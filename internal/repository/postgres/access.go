// internal/repository/postgres/access.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"folio-service/internal/pkg/session"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrIdentityBindingMismatch is returned when the transaction-local identity
// read back from the database does not match what was just bound. It guards
// against pool or driver misbehavior and always aborts the transaction.
var ErrIdentityBindingMismatch = errors.New("transaction identity binding mismatch")

// IdentityContext is the ephemeral (subject, roles) pair bound to exactly one
// transaction. It is never persisted and never shared across transactions.
type IdentityContext struct {
	SubjectID int64
	Roles     []string
}

func (id IdentityContext) rolesCSV() string {
	return strings.Join(id.Roles, ",")
}

// PoolStats is a read-only snapshot of the relational connection pool.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	EmptyAcquires int64 `json:"empty_acquires"`
}

// AccessManager opens relational transactions with an identity bound via
// set_config(..., true). The binding is transaction-local by Postgres
// semantics: it is cleared automatically at commit or rollback and can never
// leak to another transaction reusing the same pooled connection. Row
// isolation policies key off the binding, so every tenant-scoped operation
// must run inside WithIdentity (or one of the privileged variants).
type AccessManager struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *zap.Logger
}

func NewAccessManager(pool *pgxpool.Pool, timeout time.Duration, logger *zap.Logger) *AccessManager {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &AccessManager{pool: pool, timeout: timeout, logger: logger}
}

// WithIdentity runs fn inside one transaction with the given identity bound.
// Commits on success, rolls back on any error, releases the connection
// unconditionally.
func (m *AccessManager) WithIdentity(ctx context.Context, identity IdentityContext, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if identity.SubjectID <= 0 {
		return fmt.Errorf("identity context requires a positive subject id, got %d", identity.SubjectID)
	}
	if len(identity.Roles) == 0 {
		return errors.New("identity context requires at least one role")
	}
	return m.run(ctx, identity, fn)
}

// WithSystemIdentity runs fn under the reserved system role, which bypasses
// row isolation. Privileged escape hatch for provisioning and background
// jobs; never use it on a path handling an untrusted end-user request.
func (m *AccessManager) WithSystemIdentity(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return m.run(ctx, IdentityContext{SubjectID: 0, Roles: []string{session.RoleSystem}}, fn)
}

// WithElevatedIdentity runs fn acting as the given subject with the admin
// marker attached. Row isolation still scopes the transaction to that
// subject's rows. Privileged escape hatch for administrative operations.
func (m *AccessManager) WithElevatedIdentity(ctx context.Context, subjectID int64, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if subjectID <= 0 {
		return fmt.Errorf("elevated identity requires a positive subject id, got %d", subjectID)
	}
	return m.run(ctx, IdentityContext{SubjectID: subjectID, Roles: []string{session.RoleAdmin}}, fn)
}

func (m *AccessManager) run(ctx context.Context, identity IdentityContext, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after commit is a harmless no-op; this guarantees the
	// connection goes back to the pool with no identity bound.
	defer tx.Rollback(ctx)

	subject := strconv.FormatInt(identity.SubjectID, 10)
	roles := identity.rolesCSV()

	if _, err := tx.Exec(ctx,
		`SELECT set_config('app.subject_id', $1, true), set_config('app.roles', $2, true)`,
		subject, roles,
	); err != nil {
		return fmt.Errorf("failed to bind identity: %w", err)
	}

	// Re-read the binding and fail loudly on any mismatch.
	var gotSubject, gotRoles string
	if err := tx.QueryRow(ctx,
		`SELECT current_setting('app.subject_id'), current_setting('app.roles')`,
	).Scan(&gotSubject, &gotRoles); err != nil {
		return fmt.Errorf("failed to verify identity binding: %w", err)
	}
	if gotSubject != subject || gotRoles != roles {
		m.logger.Error("identity binding mismatch",
			zap.String("want_subject", subject),
			zap.String("got_subject", gotSubject),
		)
		return ErrIdentityBindingMismatch
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// PoolStats returns a read-only snapshot of the connection pool for
// observability. EmptyAcquires counts acquires that had to wait because the
// pool was empty.
func (m *AccessManager) PoolStats() PoolStats {
	s := m.pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		EmptyAcquires: s.EmptyAcquireCount(),
	}
}
