package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "folio-service/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sessionIDBytes = 32 // 256 bits of entropy

const (
	refreshStatusMismatch  int64 = 0
	refreshStatusRefreshed int64 = 1
	refreshStatusVanished  int64 = 2
)

// createScript issues a session atomically: it reads the subject's role
// version without bumping it (INCR+DECR creates a missing counter at 0, so
// the first session is issued under version 0, consistent with later bumps),
// stamps the version into the blob, writes the blob with its TTL, and indexes
// the id under the subject's session set. All-or-nothing.
const createScript = `
local v = redis.call("INCR", KEYS[2])
redis.call("DECR", KEYS[2])
local sess = cjson.decode(ARGV[1])
sess["role_version"] = v - 1
redis.call("SET", KEYS[1], cjson.encode(sess), "PX", ARGV[2])
redis.call("SADD", KEYS[3], ARGV[3])
return v - 1
`

var createLua = redis.NewScript(createScript)

// refreshScript bundles the role-version read and the refreshed-session write
// into one round trip. Splitting them would widen the staleness window between
// a version bump and the validation that should observe it. The write only
// lands when it extends the stored idle window, so a refresh computed from a
// stale snapshot can never pull idle_expiry backwards; the winning idle_expiry
// is returned either way.
const refreshScript = `
local v = redis.call("INCR", KEYS[2])
redis.call("DECR", KEYS[2])
v = v - 1
if v ~= tonumber(ARGV[2]) then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[3], ARGV[3])
  return {0, v}
end
local data = redis.call("GET", KEYS[1])
if not data then
  return {2, v}
end
local stored = cjson.decode(data)
local fresh = tonumber(ARGV[5])
if stored["idle_expiry"] and tonumber(stored["idle_expiry"]) >= fresh then
  return {1, v, stored["idle_expiry"]}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[4])
return {1, v, fresh}
`

var refreshLua = redis.NewScript(refreshScript)

// rotateScript increments the rotation counter in place, preserving the
// remaining TTL. Used after step-up events without reissuing the session id.
const rotateScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local pttl = redis.call("PTTL", KEYS[1])
if pttl <= 0 then
  return 0
end
local sess = cjson.decode(data)
sess["rotation_counter"] = (sess["rotation_counter"] or 0) + 1
if ARGV[1] == "1" then
  sess["mfa_verified"] = true
end
redis.call("SET", KEYS[1], cjson.encode(sess), "PX", pttl)
return sess["rotation_counter"]
`

var rotateLua = redis.NewScript(rotateScript)

// Store owns the session lifecycle in Redis: creation, sliding-window
// validation/refresh, rotation, and revocation. All multi-key mutations go
// through atomic pipelines or Lua scripts; there is no in-process state.
type Store struct {
	client      redis.UniversalClient
	prefix      string
	absoluteTTL time.Duration
	idleTTL     time.Duration
	logger      *zap.Logger

	now func() time.Time
}

// NewStore creates a session Store backed by the given Redis client.
// absoluteTTL and idleTTL are the default session lifetimes; prefix namespaces
// every key the store touches.
func NewStore(client redis.UniversalClient, prefix string, absoluteTTL, idleTTL time.Duration, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "sess"
	}
	if absoluteTTL <= 0 {
		absoluteTTL = 720 * time.Hour
	}
	if idleTTL <= 0 {
		idleTTL = 12 * time.Hour
	}
	return &Store{
		client:      client,
		prefix:      prefix,
		absoluteTTL: absoluteTTL,
		idleTTL:     idleTTL,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) indexKey(subjectID int64) string {
	return fmt.Sprintf("%s:idx:%d", s.prefix, subjectID)
}

func (s *Store) versionKey(subjectID int64) string {
	return fmt.Sprintf("%s:rv:%d", s.prefix, subjectID)
}

// Create generates an unguessable session id, stamps the subject's current
// role version into the new session, and writes blob + index in one atomic
// script. A failure here is fatal to the login flow and propagates.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, *Session, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	absTTL := p.AbsoluteTTL
	if absTTL <= 0 {
		absTTL = s.absoluteTTL
	}
	idleTTL := p.IdleTTL
	if idleTTL <= 0 {
		idleTTL = s.idleTTL
	}

	now := s.now()
	absoluteExpiry := now.Add(absTTL)
	idleExpiry := now.Add(idleTTL)
	if idleExpiry.After(absoluteExpiry) {
		idleExpiry = absoluteExpiry
	}

	sess := &Session{
		SchemaVersion:  CurrentSchemaVersion,
		SubjectID:      p.SubjectID,
		DeviceID:       p.DeviceID,
		Role:           p.Role,
		IssuedAt:       now.Unix(),
		AbsoluteExpiry: absoluteExpiry.Unix(),
		IdleExpiry:     idleExpiry.Unix(),
		MFAVerified:    p.MFAVerified,
		IPHash:         fingerprint(p.IP),
		UAHash:         fingerprint(p.UserAgent),
	}

	blob, err := json.Marshal(sess)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	px := idleExpiry.Sub(now).Milliseconds()
	keys := []string{s.key(sessionID), s.versionKey(p.SubjectID), s.indexKey(p.SubjectID)}
	version, err := createLua.Run(ctx, s.client, keys, blob, px, sessionID).Int64()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}

	sess.RoleVersion = version
	sess.ID = sessionID
	return sessionID, sess, nil
}

// ValidateAndRefresh fetches a session once, enforces absolute and idle
// expiry, then in a single atomic round trip re-reads the subject's role
// version and writes the session back with its idle window extended.
//
// Failure semantics: an unknown id is xerrors.ErrNotFound; a store failure is
// wrapped in xerrors.ErrStoreUnavailable and callers must treat it as invalid
// (fail closed), never as a pass.
func (s *Store) ValidateAndRefresh(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// Corrupt blob: remove it rather than loop on it forever.
		_ = s.client.Del(ctx, s.key(sessionID)).Err()
		return nil, xerrors.ErrNotFound
	}
	sess.ID = sessionID

	now := s.now()
	if now.Unix() >= sess.AbsoluteExpiry {
		if err := s.Revoke(ctx, sessionID, sess.SubjectID); err != nil {
			return nil, err
		}
		return nil, xerrors.ErrExpired
	}
	if now.Unix() >= sess.IdleExpiry {
		if err := s.Revoke(ctx, sessionID, sess.SubjectID); err != nil {
			return nil, err
		}
		return nil, xerrors.ErrIdleExpired
	}

	// Extend the idle window, clamped to the remaining absolute budget so
	// idle_expiry <= absolute_expiry holds after every refresh. Extension is
	// monotonic, so concurrent refreshes of the same session commute.
	newIdle := now.Add(s.idleTTL)
	if newIdle.Unix() > sess.AbsoluteExpiry {
		newIdle = time.Unix(sess.AbsoluteExpiry, 0)
	}
	if newIdle.Unix() > sess.IdleExpiry {
		sess.IdleExpiry = newIdle.Unix()
	}

	blob, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	px := (sess.IdleExpiry - now.Unix()) * 1000
	if px <= 0 {
		px = 1000
	}

	keys := []string{s.key(sessionID), s.versionKey(sess.SubjectID), s.indexKey(sess.SubjectID)}
	result, err := refreshLua.Run(ctx, s.client, keys, blob, sess.RoleVersion, sessionID, px, sess.IdleExpiry).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: invalid refresh script response", xerrors.ErrStoreUnavailable)
	}

	switch result[0] {
	case refreshStatusMismatch:
		return nil, xerrors.ErrRoleVersionMismatch
	case refreshStatusVanished:
		// Deleted by a concurrent revoke between fetch and refresh.
		return nil, xerrors.ErrNotFound
	case refreshStatusRefreshed:
		// A concurrent refresh may already hold a later idle window.
		if len(result) >= 3 && result[2] > sess.IdleExpiry {
			sess.IdleExpiry = result[2]
		}
		return &sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown refresh script status %d", xerrors.ErrStoreUnavailable, result[0])
	}
}

// Rotate increments the session's rotation counter in place, preserving the
// remaining TTL. markMFA additionally flags the session as MFA-verified; used
// after step-up without reissuing the session id.
func (s *Store) Rotate(ctx context.Context, sessionID string, markMFA bool) (int64, error) {
	flag := "0"
	if markMFA {
		flag = "1"
	}

	counter, err := rotateLua.Run(ctx, s.client, []string{s.key(sessionID)}, flag).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	if counter == 0 {
		return 0, xerrors.ErrNotFound
	}
	return counter, nil
}

// Revoke deletes the session key and removes it from the subject's session
// index. When subjectID is zero the subject is looked up from the blob first.
// Revoking an already-gone session is a no-op, not an error.
func (s *Store) Revoke(ctx context.Context, sessionID string, subjectID int64) error {
	if subjectID == 0 {
		data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err == nil {
			subjectID = sess.SubjectID
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		if subjectID != 0 {
			pipe.SRem(ctx, s.indexKey(subjectID), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeAll deletes every session in the subject's index plus the index
// itself, and bumps the subject's role version in the same pipeline. The
// version bump also invalidates any session created in a race just before
// the enumeration, on its next validation. Returns the number of enumerated
// sessions.
func (s *Store) RevokeAll(ctx context.Context, subjectID int64) (int, error) {
	sessionIDs, err := s.client.SMembers(ctx, s.indexKey(subjectID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range sessionIDs {
			pipe.Del(ctx, s.key(id))
		}
		pipe.Del(ctx, s.indexKey(subjectID))
		pipe.Incr(ctx, s.versionKey(subjectID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}

	return len(sessionIDs), nil
}

// ListForSubject returns the client-visible projection of every live session
// in the subject's index. Read-only; expired ids are skipped, not pruned.
func (s *Store) ListForSubject(ctx context.Context, subjectID int64, currentSessionID string) ([]SessionInfo, error) {
	sessionIDs, err := s.client.SMembers(ctx, s.indexKey(subjectID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []SessionInfo{}, nil
		}
		return nil, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return []SessionInfo{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}

	infos := make([]SessionInfo, 0, len(sessionIDs))
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		infos = append(infos, SessionInfo{
			ID:             sessionIDs[i],
			DeviceID:       sess.DeviceID,
			IssuedAt:       sess.IssuedAt,
			AbsoluteExpiry: sess.AbsoluteExpiry,
			IdleExpiry:     sess.IdleExpiry,
			Current:        sessionIDs[i] == currentSessionID,
		})
	}

	return infos, nil
}

// Ping reports store reachability and round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := s.now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// fingerprint hashes and truncates request metadata for anomaly detection.
// One-way and shortened; never reversible to the original value.
func fingerprint(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}
