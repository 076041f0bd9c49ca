package session

import (
	"context"
	"fmt"

	xerrors "folio-service/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
)

// RoleVersionRegistry is the per-subject monotonic counter used to invalidate
// all of a subject's sessions at once without enumerating them. It is only
// ever touched through atomic store operations, never cached in-process.
type RoleVersionRegistry struct {
	client redis.UniversalClient
	prefix string
}

func NewRoleVersionRegistry(client redis.UniversalClient, prefix string) *RoleVersionRegistry {
	if prefix == "" {
		prefix = "sess"
	}
	return &RoleVersionRegistry{client: client, prefix: prefix}
}

func (r *RoleVersionRegistry) key(subjectID int64) string {
	return fmt.Sprintf("%s:rv:%d", r.prefix, subjectID)
}

// Current reads the subject's role version without changing it. The pipelined
// INCR+DECR pair creates a missing counter at 0, so a brand-new subject reads
// version 0 consistently with later bumps.
func (r *RoleVersionRegistry) Current(ctx context.Context, subjectID int64) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.key(subjectID))
		pipe.Decr(ctx, r.key(subjectID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	return incr.Val() - 1, nil
}

// Bump increments the subject's role version, invalidating every session
// issued under an earlier value on its next validation.
func (r *RoleVersionRegistry) Bump(ctx context.Context, subjectID int64) (int64, error) {
	v, err := r.client.Incr(ctx, r.key(subjectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	return v, nil
}
