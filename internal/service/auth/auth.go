// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"folio-service/internal/domain/auth"
	"folio-service/internal/pkg/channeltoken"
	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/session"
	"folio-service/internal/repository/postgres"
	"folio-service/internal/service/identity"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionStore is the slice of the session engine the auth flows need.
type SessionStore interface {
	Create(ctx context.Context, p session.CreateParams) (string, *session.Session, error)
	ValidateAndRefresh(ctx context.Context, sessionID string) (*session.Session, error)
	Rotate(ctx context.Context, sessionID string, markMFA bool) (int64, error)
	Revoke(ctx context.Context, sessionID string, subjectID int64) error
	RevokeAll(ctx context.Context, subjectID int64) (int, error)
	ListForSubject(ctx context.Context, subjectID int64, currentSessionID string) ([]session.SessionInfo, error)
}

// Directory provisions subjects and maintains their stored roles.
type Directory interface {
	Provision(ctx context.Context, email, role string) (*postgres.ProvisionResult, error)
	UpdateRole(ctx context.Context, subjectID int64, role string) error
}

// TokenIssuer mints channel tokens for side channels.
type TokenIssuer interface {
	Generate(subjectID int64, sessionID, role string, roleVersion int64) (string, time.Time, error)
}

// RoleVersions exposes the counter that invalidates sessions in bulk.
type RoleVersions interface {
	Bump(ctx context.Context, subjectID int64) (int64, error)
}

type AuthService struct {
	store     SessionStore
	directory Directory
	provider  identity.Provider
	versions  RoleVersions
	tokens    TokenIssuer
	logger    *zap.Logger
}

func NewAuthService(
	store SessionStore,
	directory Directory,
	provider identity.Provider,
	versions RoleVersions,
	tokens TokenIssuer,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		store:     store,
		directory: directory,
		provider:  provider,
		versions:  versions,
		tokens:    tokens,
		logger:    logger,
	}
}

// Login verifies credentials, provisions the subject if this is their first
// visit, and opens a session. The returned session id goes into the cookie.
func (s *AuthService) Login(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if err := s.provider.Verify(ctx, email, req.Password); err != nil {
		if errors.Is(err, xerrors.ErrUnauthorized) {
			s.logger.Info("login rejected", zap.String("email", email))
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}

	result, err := s.directory.Provision(ctx, email, "")
	if err != nil {
		return nil, fmt.Errorf("failed to provision subject: %w", err)
	}

	return s.openSession(ctx, email, result, req.DeviceID, req.IPAddress, req.UserAgent)
}

// Register provisions a new subject, enrolls their credentials, and logs
// them in. Re-registering an existing email fails before any state changes.
func (s *AuthService) Register(ctx context.Context, req *auth.RegisterRequest) (*auth.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	result, err := s.directory.Provision(ctx, email, "")
	if err != nil {
		return nil, fmt.Errorf("failed to provision subject: %w", err)
	}
	if !result.Created {
		return nil, fmt.Errorf("%w: email already registered", xerrors.ErrConflict)
	}

	if err := s.provider.Enroll(ctx, result.SubjectID, req.Password); err != nil {
		return nil, err
	}

	return s.openSession(ctx, email, result, req.DeviceID, req.IPAddress, req.UserAgent)
}

func (s *AuthService) openSession(ctx context.Context, email string, result *postgres.ProvisionResult, deviceID, ip, userAgent string) (*auth.LoginResponse, error) {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	id, sess, err := s.store.Create(ctx, session.CreateParams{
		SubjectID: result.SubjectID,
		DeviceID:  deviceID,
		Role:      result.Role,
		IP:        ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session opened",
		zap.Int64("subject_id", result.SubjectID),
		zap.String("device_id", deviceID),
		zap.Bool("provisioned", result.Created),
	)

	return &auth.LoginResponse{
		SessionID:      id,
		AbsoluteExpiry: time.Unix(sess.AbsoluteExpiry, 0).UTC(),
		IdleExpiry:     time.Unix(sess.IdleExpiry, 0).UTC(),
		Created:        result.Created,
		User: auth.UserInfo{
			SubjectID:   result.SubjectID,
			Email:       email,
			Role:        sess.Role,
			RoleVersion: sess.RoleVersion,
			PortfolioID: result.ResourceID,
		},
	}, nil
}

// Validate checks and slides a session. The gateway calls this per request.
func (s *AuthService) Validate(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.store.ValidateAndRefresh(ctx, sessionID)
}

// Logout destroys the caller's current session. Already-gone is fine.
func (s *AuthService) Logout(ctx context.Context, sessionID string, subjectID int64) error {
	return s.store.Revoke(ctx, sessionID, subjectID)
}

// Revoke tears down sessions by scope. "current" drops the calling session,
// "all" drops every session of the caller, "user" drops every session of the
// target subject and is reserved for admins.
func (s *AuthService) Revoke(ctx context.Context, sess *session.Session, req *auth.RevokeRequest) (*auth.RevokeResponse, error) {
	switch req.Scope {
	case "current":
		if err := s.store.Revoke(ctx, sess.ID, sess.SubjectID); err != nil {
			return nil, err
		}
		return &auth.RevokeResponse{Revoked: 1}, nil

	case "all":
		n, err := s.store.RevokeAll(ctx, sess.SubjectID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("all sessions revoked", zap.Int64("subject_id", sess.SubjectID), zap.Int("count", n))
		return &auth.RevokeResponse{Revoked: int64(n)}, nil

	case "user":
		if sess.Role != session.RoleAdmin {
			return nil, xerrors.ErrForbidden
		}
		if req.SubjectID <= 0 {
			return nil, fmt.Errorf("%w: subject_id is required", xerrors.ErrInvalidInput)
		}
		n, err := s.store.RevokeAll(ctx, req.SubjectID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("subject sessions revoked by admin",
			zap.Int64("subject_id", req.SubjectID),
			zap.Int64("admin_id", sess.SubjectID),
			zap.Int("count", n),
		)
		return &auth.RevokeResponse{Revoked: int64(n)}, nil

	default:
		return nil, fmt.Errorf("%w: unknown scope %q", xerrors.ErrInvalidInput, req.Scope)
	}
}

// StepUp re-verifies the password and marks the session MFA-verified. The
// session id stays the same; only the server-side record changes.
func (s *AuthService) StepUp(ctx context.Context, sess *session.Session, password string) error {
	if err := s.provider.VerifySubject(ctx, sess.SubjectID, password); err != nil {
		return err
	}
	if _, err := s.store.Rotate(ctx, sess.ID, true); err != nil {
		return err
	}
	s.logger.Info("session stepped up", zap.Int64("subject_id", sess.SubjectID))
	return nil
}

// Sessions lists the caller's live sessions with the current one flagged.
func (s *AuthService) Sessions(ctx context.Context, subjectID int64, currentSessionID string) ([]session.SessionInfo, error) {
	return s.store.ListForSubject(ctx, subjectID, currentSessionID)
}

// ChannelToken mints a short-lived signed token for side channels, bound to
// the live session that requested it.
func (s *AuthService) ChannelToken(ctx context.Context, sess *session.Session) (*auth.ChannelTokenResponse, error) {
	tok, expiresAt, err := s.tokens.Generate(sess.SubjectID, sess.ID, sess.Role, sess.RoleVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to mint channel token: %w", err)
	}
	return &auth.ChannelTokenResponse{Token: tok, ExpiresAt: expiresAt}, nil
}

// ChangeRole updates the target's stored role and bumps their role version
// so every outstanding session dies on its next validation.
func (s *AuthService) ChangeRole(ctx context.Context, actor *session.Session, req *auth.ChangeRoleRequest) error {
	if actor.Role != session.RoleAdmin {
		return xerrors.ErrForbidden
	}

	if err := s.directory.UpdateRole(ctx, req.SubjectID, req.Role); err != nil {
		return err
	}

	v, err := s.versions.Bump(ctx, req.SubjectID)
	if err != nil {
		return fmt.Errorf("role updated but version bump failed: %w", err)
	}

	s.logger.Info("role changed",
		zap.Int64("subject_id", req.SubjectID),
		zap.String("role", req.Role),
		zap.Int64("role_version", v),
		zap.Int64("admin_id", actor.SubjectID),
	)
	return nil
}

var _ TokenIssuer = (*channeltoken.Manager)(nil)
