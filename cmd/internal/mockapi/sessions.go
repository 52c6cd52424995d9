package mockapi

import (
	"errors"
	"sync"
	"time"
)

var (
	errSessionUnknown = errors.New("session unknown")
	errSessionRevoked = errors.New("session revoked")
	errRefreshReuse   = errors.New("refresh token reuse detected")
)

type sessionRecord struct {
	subject   string
	refreshFP string
	expiresAt time.Time
	revoked   bool
}

// registry tracks server-side sessions by ID. Only refresh token
// fingerprints are kept, never raw tokens.
type registry struct {
	mu   sync.Mutex
	byID map[string]*sessionRecord
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*sessionRecord)}
}

func (r *registry) create(id, subject, refreshFP string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = &sessionRecord{subject: subject, refreshFP: refreshFP, expiresAt: expiresAt}
}

// rotate swaps the current refresh fingerprint. A presented fingerprint that
// is not the current one revokes the session.
func (r *registry) rotate(id, presentedFP, nextFP string, expiresAt, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	switch {
	case !ok:
		return "", errSessionUnknown
	case rec.revoked || !now.Before(rec.expiresAt):
		return "", errSessionRevoked
	case rec.refreshFP != presentedFP:
		rec.revoked = true
		return "", errRefreshReuse
	}

	rec.refreshFP = nextFP
	rec.expiresAt = expiresAt
	return rec.subject, nil
}

func (r *registry) revoke(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok || rec.revoked {
		return false
	}
	rec.revoked = true
	return true
}

func (r *registry) active(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	return ok && !rec.revoked && now.Before(rec.expiresAt)
}
