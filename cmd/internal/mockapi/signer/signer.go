package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"arclink/cmd/internal/ids"
)

const (
	// KeyEnv is the env var name for the signing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "ARC_TOKEN_HMAC_KEY"

	// MinKeyBytes is the smallest accepted signing key.
	MinKeyBytes = 32

	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var header = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Claims is the token payload.
type Claims struct {
	Subject   string `json:"sub"`
	SessionID string `json:"sid,omitempty"`
	ID        string `json:"jti"`
	Type      string `json:"type"`
	Issuer    string `json:"iss,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Signer mints and verifies tokens with one HMAC key.
type Signer struct {
	key    []byte
	issuer string
}

// New constructs a Signer. The key must be at least MinKeyBytes long.
func New(key []byte, issuer string) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &Signer{key: append([]byte(nil), key...), issuer: issuer}, nil
}

// KeyFromEnv returns the configured key bytes (trimmed), enforcing MinKeyBytes.
// If the env var is missing/blank -> ErrKeyMissing.
func KeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	if len(raw) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return []byte(raw), nil
}

// RandomKey returns a fresh key for ephemeral development servers.
func RandomKey() ([]byte, error) {
	k := make([]byte, MinKeyBytes)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("random key: %w", err)
	}
	return k, nil
}

// Mint signs a token of typ for subject, valid for ttl from now.
func (s *Signer) Mint(subject, sessionID, typ string, now time.Time, ttl time.Duration) (string, Claims, error) {
	c := Claims{
		Subject:   subject,
		SessionID: sessionID,
		ID:        ids.MustULID(now),
		Type:      typ,
		Issuer:    s.issuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", Claims{}, err
	}

	signing := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + base64.RawURLEncoding.EncodeToString(s.sign(signing)), c, nil
}

// Verify checks the signature, type and expiry of token.
func (s *Signer) Verify(token, wantType string, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(sig, s.sign(parts[0]+"."+parts[1])) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, ErrInvalidToken
	}

	if wantType != "" && c.Type != wantType {
		return Claims{}, ErrWrongType
	}
	if c.ExpiresAt <= now.Unix() {
		return c, ErrExpired
	}
	return c, nil
}

// Fingerprint returns an HMAC-SHA256 hex digest of token for server-side
// lookup tables, so raw refresh tokens are never used as map keys or logged.
func (s *Signer) Fingerprint(token string) string {
	m := hmac.New(sha256.New, s.key)
	_, _ = m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}

func (s *Signer) sign(signing string) []byte {
	m := hmac.New(sha256.New, s.key)
	_, _ = m.Write([]byte(signing))
	return m.Sum(nil)
}
