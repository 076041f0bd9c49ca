// internal/middleware/helpers.go
package middleware

import (
	"folio-service/internal/pkg/session"

	"github.com/gin-gonic/gin"
)

// GetSession gets the validated session from context
func GetSession(c *gin.Context) (*session.Session, bool) {
	v, exists := c.Get("session")
	if !exists {
		return nil, false
	}
	sess, ok := v.(*session.Session)
	return sess, ok
}

// MustGetSession gets the validated session from context or panics
func MustGetSession(c *gin.Context) *session.Session {
	sess, ok := GetSession(c)
	if !ok {
		panic("session not found in context")
	}
	return sess
}

// GetSubjectID gets the subject id from context
func GetSubjectID(c *gin.Context) (int64, bool) {
	v, exists := c.Get("subject_id")
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// GetSessionID gets the session id from context
func GetSessionID(c *gin.Context) (string, bool) {
	v, exists := c.Get("session_id")
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// IsAuthenticated checks if request carries a validated session
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get("session")
	return exists
}

// IsAdmin checks if the session role is admin
func IsAdmin(c *gin.Context) bool {
	sess, ok := GetSession(c)
	return ok && sess.Role == session.RoleAdmin
}
