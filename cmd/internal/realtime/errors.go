package realtime

import (
	"errors"
	"fmt"

	v1 "arclink/contracts/stream/v1"
)

var (
	// ErrMaxRetries is reported when a channel exhausted its reconnect budget.
	ErrMaxRetries = errors.New("stream: max reconnect attempts reached")

	// ErrAuthUnavailable is reported when an open was aborted because no valid
	// access token could be obtained.
	ErrAuthUnavailable = errors.New("stream: authentication unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("stream: invalid config")
)

// CloseError is returned by Conn.Read when the connection closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream closed: code %d", e.Code)
	}
	return fmt.Sprintf("stream closed: code %d: %s", e.Code, e.Reason)
}

// closeInfo extracts the close code from a read error. Anything that is not a
// close frame counts as an abnormal close.
func closeInfo(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return v1.CloseAbnormal, "connection lost"
}

// terminal reports whether a close code forbids reconnecting.
func terminal(code int) bool {
	return code == v1.CloseNormal || code == v1.CloseUnauthorized
}
