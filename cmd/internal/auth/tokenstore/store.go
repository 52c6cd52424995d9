package tokenstore

import (
	"context"
	"errors"
	"strings"
)

// Fixed persistence keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

var (
	// ErrInvalidPair is returned by Save when either token is blank.
	ErrInvalidPair = errors.New("token pair requires both access and refresh tokens")

	// ErrSealed is returned when a sealed file store is read without a passphrase.
	ErrSealed = errors.New("token file is sealed; passphrase required")

	// ErrUnseal is returned when a sealed file store cannot be decrypted.
	ErrUnseal = errors.New("token file could not be unsealed")
)

// Pair is the persisted session credential pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether the pair represents "no session".
func (p Pair) Empty() bool {
	return strings.TrimSpace(p.AccessToken) == "" || strings.TrimSpace(p.RefreshToken) == ""
}

func (p Pair) validate() error {
	if p.Empty() {
		return ErrInvalidPair
	}
	return nil
}

// fromValues builds a Pair from raw key/value reads. A missing key yields the zero Pair.
func fromValues(values map[string]string) Pair {
	p := Pair{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}
	if p.Empty() {
		return Pair{}
	}
	return p
}

// Store abstracts durable persistence of the token pair.
type Store interface {
	// Load returns the stored pair, or the zero Pair when no session is stored.
	Load(ctx context.Context) (Pair, error)

	// Save replaces both tokens atomically.
	Save(ctx context.Context, p Pair) error

	// Clear removes both tokens. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
