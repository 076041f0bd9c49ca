// internal/domain/auth/dto.go
package auth

import "time"

// RegisterRequest for user registration
type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginRequest for user login
type LoginRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required"`
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse carries the session handle back to the caller. The session
// id also travels in the cookie; it is repeated here for non-browser clients.
type LoginResponse struct {
	SessionID      string    `json:"session_id"`
	AbsoluteExpiry time.Time `json:"absolute_expiry"`
	IdleExpiry     time.Time `json:"idle_expiry"`
	User           UserInfo  `json:"user"`
	Created        bool      `json:"created"`
}

// UserInfo minimal user information
type UserInfo struct {
	SubjectID   int64  `json:"subject_id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	RoleVersion int64  `json:"role_version"`
	PortfolioID int64  `json:"portfolio_id,omitempty"`
}

// RevokeRequest selects what to revoke. Scope is one of "current", "all"
// or "user"; the last one requires admin and a target subject id.
type RevokeRequest struct {
	Scope     string `json:"scope" binding:"required,oneof=current all user"`
	SubjectID int64  `json:"subject_id"`
}

// RevokeResponse reports how many sessions were destroyed.
type RevokeResponse struct {
	Revoked int64 `json:"revoked"`
}

// StepUpRequest re-verifies the password before marking the session MFA.
type StepUpRequest struct {
	Password string `json:"password" binding:"required"`
}

// ChangeRoleRequest for admin role changes
type ChangeRoleRequest struct {
	SubjectID int64  `json:"subject_id" binding:"required"`
	Role      string `json:"role" binding:"required,oneof=owner admin"`
}

// ChannelTokenResponse carries a short-lived signed token for side channels.
type ChannelTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
