// internal/pkg/channeltoken/claims.go
package channeltoken

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a channel token. Channel tokens are short-lived
// bearer credentials derived from a live session; side channels verify them
// offline and never talk to the session store.
type Claims struct {
	SubjectID   int64  `json:"subject_id"`
	SessionID   string `json:"session_id"`
	Role        string `json:"role,omitempty"`
	RoleVersion int64  `json:"role_version"`
	jwt.RegisteredClaims
}

// VerifyAudience checks if the expected audience is listed in the claims.
func (c *Claims) VerifyAudience(audience string, required bool) bool {
	if len(c.Audience) == 0 {
		return !required
	}
	for _, aud := range c.Audience {
		if aud == audience {
			return true
		}
	}
	return false
}
