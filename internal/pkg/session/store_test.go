package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "folio-service/internal/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewStore(rdb, "sess", 720*time.Hour, 12*time.Hour, zap.NewNop())
	return store, rdb, mr
}

func fixedClock(base time.Time) func() time.Time {
	return func() time.Time { return base }
}

func TestCreateIssuesVersionZeroAndIndexes(t *testing.T) {
	ctx := context.Background()
	store, rdb, _ := newTestStore(t)

	base := time.Now()
	store.now = fixedClock(base)

	id, sess, err := store.Create(ctx, CreateParams{
		SubjectID: 1,
		DeviceID:  "dev-1",
		Role:      RoleOwner,
		IP:        "203.0.113.7",
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" || len(id) < 40 {
		t.Fatalf("session id too short for 256-bit entropy: %q", id)
	}
	if sess.RoleVersion != 0 {
		t.Fatalf("first session should be issued at role version 0, got %d", sess.RoleVersion)
	}
	if sess.IdleExpiry > sess.AbsoluteExpiry {
		t.Fatalf("idle expiry %d exceeds absolute expiry %d", sess.IdleExpiry, sess.AbsoluteExpiry)
	}
	wantIdle := base.Add(12 * time.Hour).Unix()
	if sess.IdleExpiry != wantIdle {
		t.Fatalf("idle expiry = %d, want %d", sess.IdleExpiry, wantIdle)
	}
	if sess.IPHash == "" || sess.UAHash == "" {
		t.Fatal("expected hashed request metadata on the session")
	}
	if sess.IPHash == "203.0.113.7" {
		t.Fatal("ip must not be stored in the clear")
	}

	members, err := rdb.SMembers(ctx, "sess:idx:1").Result()
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != id {
		t.Fatalf("subject index = %v, want [%s]", members, id)
	}

	stored, err := rdb.Get(ctx, "sess:"+id).Bytes()
	if err != nil {
		t.Fatalf("stored blob missing: %v", err)
	}
	var decoded Session
	if err := json.Unmarshal(stored, &decoded); err != nil {
		t.Fatalf("stored blob does not decode: %v", err)
	}
	if decoded.RoleVersion != 0 {
		t.Fatalf("stored role version = %d, want 0", decoded.RoleVersion)
	}
}

func TestCreateClampsIdleToAbsolute(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	_, sess, err := store.Create(ctx, CreateParams{
		SubjectID:   2,
		Role:        RoleOwner,
		AbsoluteTTL: time.Hour,
		IdleTTL:     12 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.IdleExpiry != sess.AbsoluteExpiry {
		t.Fatalf("idle expiry %d should be clamped to absolute expiry %d", sess.IdleExpiry, sess.AbsoluteExpiry)
	}
}

func TestValidateAndRefreshExtendsIdleWindow(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	base := time.Now()
	store.now = fixedClock(base)

	id, created, err := store.Create(ctx, CreateParams{SubjectID: 3, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Immediate validation succeeds.
	sess, err := store.ValidateAndRefresh(ctx, id)
	if err != nil {
		t.Fatalf("immediate ValidateAndRefresh failed: %v", err)
	}
	if sess.SubjectID != 3 {
		t.Fatalf("subject = %d, want 3", sess.SubjectID)
	}

	// An hour later the idle window slides forward but stays under the
	// absolute budget.
	store.now = fixedClock(base.Add(time.Hour))
	sess, err = store.ValidateAndRefresh(ctx, id)
	if err != nil {
		t.Fatalf("ValidateAndRefresh failed: %v", err)
	}
	wantIdle := base.Add(time.Hour).Add(12 * time.Hour).Unix()
	if sess.IdleExpiry != wantIdle {
		t.Fatalf("idle expiry = %d, want %d", sess.IdleExpiry, wantIdle)
	}
	if sess.IdleExpiry > created.AbsoluteExpiry {
		t.Fatalf("refresh violated idle <= absolute invariant")
	}
	if sess.AbsoluteExpiry != created.AbsoluteExpiry {
		t.Fatalf("refresh must not move the absolute expiry")
	}
}

func TestValidateUnknownIDReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	_, err := store.ValidateAndRefresh(ctx, "does-not-exist")
	if !errors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIdleExpiryRevokesSession(t *testing.T) {
	ctx := context.Background()
	store, rdb, _ := newTestStore(t)

	base := time.Now()
	store.now = fixedClock(base)

	id, _, err := store.Create(ctx, CreateParams{SubjectID: 4, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	store.now = fixedClock(base.Add(12*time.Hour + time.Minute))
	_, err = store.ValidateAndRefresh(ctx, id)
	if !errors.Is(err, xerrors.ErrIdleExpired) {
		t.Fatalf("err = %v, want ErrIdleExpired", err)
	}

	if n, _ := rdb.Exists(ctx, "sess:"+id).Result(); n != 0 {
		t.Fatal("idle-expired session must be deleted from the store")
	}
	if members, _ := rdb.SMembers(ctx, "sess:idx:4").Result(); len(members) != 0 {
		t.Fatal("idle-expired session must be removed from the subject index")
	}

	// Terminal states converge on deletion: the next validation is not_found.
	_, err = store.ValidateAndRefresh(ctx, id)
	if !errors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("second validation err = %v, want ErrNotFound", err)
	}
}

func TestAbsoluteExpiryRevokesSession(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	base := time.Now()
	store.now = fixedClock(base)

	id, _, err := store.Create(ctx, CreateParams{SubjectID: 5, Role: RoleOwner, AbsoluteTTL: time.Hour, IdleTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	store.now = fixedClock(base.Add(2 * time.Hour))
	_, err = store.ValidateAndRefresh(ctx, id)
	if !errors.Is(err, xerrors.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestRoleVersionBumpInvalidatesWithinOneValidation(t *testing.T) {
	ctx := context.Background()
	store, rdb, _ := newTestStore(t)
	registry := NewRoleVersionRegistry(rdb, "sess")

	id, sess, err := store.Create(ctx, CreateParams{SubjectID: 6, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.RoleVersion != 0 {
		t.Fatalf("issued version = %d, want 0", sess.RoleVersion)
	}

	if _, err := registry.Bump(ctx, 6); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}

	_, err = store.ValidateAndRefresh(ctx, id)
	if !errors.Is(err, xerrors.ErrRoleVersionMismatch) {
		t.Fatalf("err = %v, want ErrRoleVersionMismatch", err)
	}
	if n, _ := rdb.Exists(ctx, "sess:"+id).Result(); n != 0 {
		t.Fatal("mismatched session must be deleted")
	}

	// A session issued after the bump carries the new version and validates.
	id2, sess2, err := store.Create(ctx, CreateParams{SubjectID: 6, Role: RoleAdmin})
	if err != nil {
		t.Fatalf("Create after bump failed: %v", err)
	}
	if sess2.RoleVersion != 1 {
		t.Fatalf("version after bump = %d, want 1", sess2.RoleVersion)
	}
	if _, err := store.ValidateAndRefresh(ctx, id2); err != nil {
		t.Fatalf("new session should validate: %v", err)
	}
}

func TestRevokeAllInvalidatesEverySession(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	id1, _, err := store.Create(ctx, CreateParams{SubjectID: 7, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id2, _, err := store.Create(ctx, CreateParams{SubjectID: 7, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	count, err := store.RevokeAll(ctx, 7)
	if err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("revoked count = %d, want 2", count)
	}

	for _, id := range []string{id1, id2} {
		_, err := store.ValidateAndRefresh(ctx, id)
		if !errors.Is(err, xerrors.ErrNotFound) {
			t.Fatalf("session %s should be not_found after RevokeAll, got %v", id, err)
		}
	}
}

func TestRevokeAllBumpCatchesRacedCreate(t *testing.T) {
	ctx := context.Background()
	store, rdb, _ := newTestStore(t)

	// Simulate a session created just before RevokeAll enumerated the index:
	// create it, then strip it from the index so the bulk delete misses it.
	id, _, err := store.Create(ctx, CreateParams{SubjectID: 8, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := rdb.SRem(ctx, "sess:idx:8", id).Err(); err != nil {
		t.Fatalf("SRem failed: %v", err)
	}

	if _, err := store.RevokeAll(ctx, 8); err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}

	// The version bump is the safety net: the stray session dies on its next
	// validation even though the bulk delete never saw it.
	_, err = store.ValidateAndRefresh(ctx, id)
	if !errors.Is(err, xerrors.ErrRoleVersionMismatch) {
		t.Fatalf("err = %v, want ErrRoleVersionMismatch", err)
	}
}

func TestRotateIncrementsCounterAndMarksMFA(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	id, _, err := store.Create(ctx, CreateParams{SubjectID: 9, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	counter, err := store.Rotate(ctx, id, true)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if counter != 1 {
		t.Fatalf("rotation counter = %d, want 1", counter)
	}

	sess, err := store.ValidateAndRefresh(ctx, id)
	if err != nil {
		t.Fatalf("ValidateAndRefresh after Rotate failed: %v", err)
	}
	if !sess.MFAVerified {
		t.Fatal("step-up rotation should mark the session MFA-verified")
	}
	if sess.RotationCounter != 1 {
		t.Fatalf("refreshed rotation counter = %d, want 1", sess.RotationCounter)
	}
}

func TestRotateUnknownSession(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	_, err := store.Rotate(ctx, "missing", false)
	if !errors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentRefreshesDoNotCorruptState(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	id, created, err := store.Create(ctx, CreateParams{SubjectID: 10, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := store.ValidateAndRefresh(ctx, id)
			errs <- err
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent refresh failed: %v", err)
		}
	}

	sess, err := store.ValidateAndRefresh(ctx, id)
	if err != nil {
		t.Fatalf("final validation failed: %v", err)
	}
	if sess.IdleExpiry > sess.AbsoluteExpiry {
		t.Fatal("interleaved refreshes violated idle <= absolute invariant")
	}
	if sess.AbsoluteExpiry != created.AbsoluteExpiry {
		t.Fatal("interleaved refreshes moved the absolute expiry")
	}
}

func TestRefreshKeepsLaterStoredIdleWindow(t *testing.T) {
	ctx := context.Background()
	store, rdb, _ := newTestStore(t)

	base := time.Now()
	store.now = fixedClock(base)

	id, created, err := store.Create(ctx, CreateParams{SubjectID: 13, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A concurrent refresh landed after this one took its snapshot: the
	// stored blob already carries a later idle window.
	winner := *created
	winner.IdleExpiry = base.Add(14 * time.Hour).Unix()
	winnerBlob, err := json.Marshal(&winner)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := rdb.Set(ctx, "sess:"+id, winnerBlob, 14*time.Hour).Err(); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Replay the write computed from the stale snapshot.
	stale := *created
	stale.IdleExpiry = base.Add(13 * time.Hour).Unix()
	staleBlob, err := json.Marshal(&stale)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	keys := []string{store.key(id), store.versionKey(13), store.indexKey(13)}
	px := int64(13 * time.Hour / time.Millisecond)
	result, err := refreshLua.Run(ctx, rdb, keys, staleBlob, stale.RoleVersion, id, px, stale.IdleExpiry).Int64Slice()
	if err != nil {
		t.Fatalf("refresh script failed: %v", err)
	}
	if result[0] != refreshStatusRefreshed {
		t.Fatalf("status = %d, want refreshed", result[0])
	}
	if len(result) < 3 || result[2] != winner.IdleExpiry {
		t.Fatalf("winning idle = %v, want %d", result, winner.IdleExpiry)
	}

	stored, err := rdb.Get(ctx, "sess:"+id).Bytes()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var decoded Session
	if err := json.Unmarshal(stored, &decoded); err != nil {
		t.Fatalf("stored blob does not decode: %v", err)
	}
	if decoded.IdleExpiry != winner.IdleExpiry {
		t.Fatalf("stored idle expiry = %d, regressed below %d", decoded.IdleExpiry, winner.IdleExpiry)
	}
}

func TestValidateFailsClosedWhenStoreUnreachable(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newTestStore(t)

	id, _, err := store.Create(ctx, CreateParams{SubjectID: 11, Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mr.Close()

	sess, err := store.ValidateAndRefresh(ctx, id)
	if sess != nil {
		t.Fatal("unreachable store must never validate a session")
	}
	if !errors.Is(err, xerrors.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestListForSubject(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	id1, _, err := store.Create(ctx, CreateParams{SubjectID: 12, DeviceID: "laptop", Role: RoleOwner})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, _, err := store.Create(ctx, CreateParams{SubjectID: 12, DeviceID: "phone", Role: RoleOwner}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	infos, err := store.ListForSubject(ctx, 12, id1)
	if err != nil {
		t.Fatalf("ListForSubject failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(infos))
	}

	var current int
	for _, info := range infos {
		if info.Current {
			current++
			if info.ID != id1 {
				t.Fatalf("current flag on %s, want %s", info.ID, id1)
			}
		}
	}
	if current != 1 {
		t.Fatalf("current sessions = %d, want 1", current)
	}
}
