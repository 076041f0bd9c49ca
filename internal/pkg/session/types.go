package session

import "time"

// CurrentSchemaVersion is bumped whenever the stored session layout changes.
const CurrentSchemaVersion = 1

// Reserved role markers. RoleSystem is only ever bound by the access layer's
// privileged escape hatches, never issued to a session.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Session is the server-side record behind an opaque session id. Only the id
// is ever sent to a client; the blob itself stays in the store.
//
// Timestamps are unix seconds so the blob survives the atomic Lua rewrites
// the store performs on it.
type Session struct {
	SchemaVersion   int    `json:"schema_version"`
	SubjectID       int64  `json:"subject_id"`
	DeviceID        string `json:"device_id"`
	Role            string `json:"role"`
	RoleVersion     int64  `json:"role_version"` // subject's role version at issuance
	IssuedAt        int64  `json:"issued_at"`
	AbsoluteExpiry  int64  `json:"absolute_expiry"`
	IdleExpiry      int64  `json:"idle_expiry"`
	RotationCounter int64  `json:"rotation_counter"`
	MFAVerified     bool   `json:"mfa_verified"`
	IPHash          string `json:"ip_hash"`
	UAHash          string `json:"ua_hash"`

	// ID is attached after decode; it is not part of the stored blob.
	ID string `json:"-"`
}

// CreateParams carries everything needed to open a session at login.
type CreateParams struct {
	SubjectID   int64
	DeviceID    string
	Role        string
	AbsoluteTTL time.Duration // 0 means the store default
	IdleTTL     time.Duration // 0 means the store default
	IP          string
	UserAgent   string
	MFAVerified bool
}

// SessionInfo is the client-visible projection of a session, used by the
// session-listing endpoint. Expiries only; hashes and counters stay internal.
type SessionInfo struct {
	ID             string `json:"id"`
	DeviceID       string `json:"device_id"`
	IssuedAt       int64  `json:"issued_at"`
	AbsoluteExpiry int64  `json:"absolute_expiry"`
	IdleExpiry     int64  `json:"idle_expiry"`
	Current        bool   `json:"current"`
}
