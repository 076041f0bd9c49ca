package xerrors

import (
	"errors"
	"fmt"
)

// Session/auth error taxonomy. Handlers map these onto stable wire codes.
var (
	ErrNotFound             = errors.New("session not found")
	ErrExpired              = errors.New("session expired")
	ErrIdleExpired          = errors.New("session idle expired")
	ErrRoleVersionMismatch  = errors.New("session role version mismatch")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrStoreUnavailable     = errors.New("session store unavailable")
	ErrProvisioningConflict = errors.New("provisioning conflict")
)

// General application errors shared across services.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrRecordNotFound = errors.New("resource not found")
)

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Code returns the stable machine-readable code for an auth error, used in
// JSON error bodies. Unknown errors map to "unauthorized" so internal detail
// never leaks to the caller.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrIdleExpired):
		return "idle_expired"
	case errors.Is(err, ErrRoleVersionMismatch):
		return "role_version_mismatch"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrProvisioningConflict):
		return "provisioning_conflict"
	default:
		return "unauthorized"
	}
}
