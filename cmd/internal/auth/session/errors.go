package session

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken is returned by ParseClaims for tokens that are not a
	// three-part signed token with a numeric exp claim.
	ErrMalformedToken = errors.New("malformed token")

	// ErrRefreshFailed is the class of every refresh failure. Matching errors
	// mean the local session has been torn down (unless the cause is a store read error).
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrAuthExpired is returned by Manager.Do when the session cannot be renewed.
	// Callers should send the user back through login.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNoRefreshToken means there is nothing to refresh with.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// RefreshError describes a failed refresh. Status is the HTTP status when the
// backend answered, 0 otherwise.
type RefreshError struct {
	Status int
	Cause  error
}

func (e *RefreshError) Error() string {
	switch {
	case e.Status != 0 && e.Cause != nil:
		return fmt.Sprintf("%s: status %d: %v", ErrRefreshFailed.Error(), e.Status, e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", ErrRefreshFailed.Error(), e.Status)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", ErrRefreshFailed.Error(), e.Cause)
	default:
		return ErrRefreshFailed.Error()
	}
}

func (e *RefreshError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRefreshFailed}
	}
	return []error{ErrRefreshFailed, e.Cause}
}

// Stage says where in Manager.Do the session was found unrecoverable.
type Stage string

const (
	// StagePreflight: the token was missing or expired before sending and refresh failed.
	StagePreflight Stage = "preflight"
	// StageRetry: the backend answered 401 and the follow-up refresh failed.
	StageRetry Stage = "retry"
)

// AuthExpiredError is returned by Manager.Do when authentication cannot be restored.
type AuthExpiredError struct {
	Stage Stage
	Cause error
}

func (e *AuthExpiredError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s (%s)", ErrAuthExpired.Error(), e.Stage)
	}
	return fmt.Sprintf("%s (%s): %v", ErrAuthExpired.Error(), e.Stage, e.Cause)
}

func (e *AuthExpiredError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAuthExpired}
	}
	return []error{ErrAuthExpired, e.Cause}
}
