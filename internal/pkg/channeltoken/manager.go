// internal/pkg/channeltoken/manager.go
package channeltoken

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	PrivPath string
	PubPath  string
	Issuer   string
	Audience string
	TTL      time.Duration
	KID      string
}

// Manager signs and verifies channel tokens with an RSA keypair.
type Manager struct {
	priv     *rsa.PrivateKey
	pub      *rsa.PublicKey
	issuer   string
	audience string
	kid      string // key id for rotation
	ttl      time.Duration
}

func NewManager(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer, audience, kid string, ttl time.Duration) *Manager {
	return &Manager{
		priv:     priv,
		pub:      pub,
		issuer:   issuer,
		audience: audience,
		kid:      kid,
		ttl:      ttl,
	}
}

// LoadAndBuild reads the PEM keypair from disk and builds a Manager.
func LoadAndBuild(cfg Config) (*Manager, error) {
	priv, err := LoadRSAPrivateKeyFromPEM(cfg.PrivPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key from %s: %w", cfg.PrivPath, err)
	}

	pub, err := LoadRSAPublicKeyFromPEM(cfg.PubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key from %s: %w", cfg.PubPath, err)
	}

	return NewManager(priv, pub, cfg.Issuer, cfg.Audience, cfg.KID, cfg.TTL), nil
}

// TTL reports the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Generate mints a channel token bound to a live session. The token carries
// the session's role version so channels can drop it after a mass revocation.
func (m *Manager) Generate(subjectID int64, sessionID, role string, roleVersion int64) (string, time.Time, error) {
	if m.priv == nil {
		return "", time.Time{}, fmt.Errorf("channel token manager has nil private key")
	}

	now := time.Now()
	expiresAt := now.Add(m.ttl)

	claims := &Claims{
		SubjectID:   subjectID,
		SessionID:   sessionID,
		Role:        role,
		RoleVersion: roleVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", subjectID),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        ulid.Make().String(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if m.kid != "" {
		tok.Header["kid"] = m.kid
	}

	signed, err := tok.SignedString(m.priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify validates a channel token and returns the claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	if m.pub == nil {
		return nil, fmt.Errorf("channel token manager has nil public key")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.Issuer != m.issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", m.issuer, claims.Issuer)
	}

	if !claims.VerifyAudience(m.audience, true) {
		return nil, fmt.Errorf("invalid audience")
	}

	return claims, nil
}
