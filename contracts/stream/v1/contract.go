// Package v1 defines the stream wire contract shared by the client and the
// development backend.
//
// This package is intentionally stable and dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Close codes (wire-stable).
const (
	// CloseNormal is an intentional close. Clients do not reconnect.
	CloseNormal = 1000
	// CloseGoingAway is sent by a client abandoning a connection it considers dead.
	CloseGoingAway = 1001
	// CloseAbnormal is reported when the connection dropped without a close frame.
	CloseAbnormal = 1006
	// CloseUnauthorized is sent by the server when the token was rejected.
	// Clients treat it like CloseNormal.
	CloseUnauthorized = 4001
	// CloseTokenExpired is sent by the server when the token used to open the
	// connection expired. Clients reconnect with a fresh token.
	CloseTokenExpired = 4002
	// ClosePolicy is sent when the peer exceeded the inbound rate limit.
	ClosePolicy = 1008
)

// Type constants (wire-stable).
const (
	// TypeConnected greets a client on a general channel (server -> client).
	TypeConnected = "connected"
	// TypeSubscribed greets a client on a named topic channel (server -> client).
	TypeSubscribed = "subscribed"

	// TypePing asks for a TypePong (client -> server).
	TypePing = "ping"
	// TypePong answers TypePing (server -> client).
	TypePong = "pong"

	// TypeStatus carries a status snapshot (server -> client).
	TypeStatus = "status"
	// TypeStatusUpdate publishes a status snapshot to every subscriber (client -> server).
	TypeStatusUpdate = "status_update"
	// TypeEvent carries a named application event (server -> client).
	TypeEvent = "event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// New returns an envelope stamped with ts.
func New(typ, channel string, data json.RawMessage, ts time.Time) Envelope {
	return Envelope{
		Type:      typ,
		Channel:   channel,
		Data:      data,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConnected, TypeSubscribed, TypePing, TypePong, TypeStatus, TypeError:
	case TypeStatusUpdate:
		if len(e.Data) == 0 {
			return errors.New("missing field: data")
		}
	case TypeEvent:
		if strings.TrimSpace(e.EventType) == "" {
			return errors.New("missing field: event_type")
		}
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}

	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return errors.New("invalid data: not JSON")
	}
	return nil
}

// Time parses Timestamp. The zero time is returned when it is absent or invalid.
func (e Envelope) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
