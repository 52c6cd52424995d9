package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// maxTokenBytes bounds parsing work on hostile input.
	maxTokenBytes = 8 << 10

	tokenTypeAccess = "access"
)

// Claims is the subset of access-token claims the client looks at.
// Nothing here is verified.
type Claims struct {
	Subject   string
	Type      string
	ExpiresAt time.Time
	IssuedAt  time.Time

	// exp keeps sub-second precision for the strict comparison in ValidAt.
	exp float64
}

// ValidAt reports whether the expiry claim is strictly after now.
func (c Claims) ValidAt(now time.Time) bool {
	return c.exp > float64(now.UnixNano())/1e9
}

// ParseClaims decodes the payload of a header.payload.signature token.
// A "type" claim, when present, must be "access". Every failure wraps ErrMalformedToken.
func ParseClaims(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenBytes {
		return Claims{}, fmt.Errorf("%w: bad length", ErrMalformedToken)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return Claims{}, fmt.Errorf("%w: empty segment %d", ErrMalformedToken, i)
		}
	}

	if _, err := decodeSegmentObject(parts[0]); err != nil {
		return Claims{}, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if _, err := decodeSegment(parts[2]); err != nil {
		return Claims{}, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}

	payload, err := decodeSegmentObject(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}

	exp, err := numericClaim(payload, "exp")
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	c := Claims{exp: exp, ExpiresAt: unixFloat(exp)}
	if iat, err := numericClaim(payload, "iat"); err == nil {
		c.IssuedAt = unixFloat(iat)
	}
	if s, ok := payload["sub"].(string); ok {
		c.Subject = s
	}
	if v, ok := payload["type"]; ok {
		s, _ := v.(string)
		if s != tokenTypeAccess {
			return Claims{}, fmt.Errorf("%w: token type %q", ErrMalformedToken, s)
		}
		c.Type = s
	}
	return c, nil
}

func decodeSegment(seg string) ([]byte, error) {
	// Tolerate padded encoders; the wire format is unpadded base64url.
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

func decodeSegmentObject(seg string) (map[string]any, error) {
	raw, err := decodeSegment(seg)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return obj, nil
}

func numericClaim(payload map[string]any, name string) (float64, error) {
	v, ok := payload[name]
	if !ok {
		return 0, fmt.Errorf("missing %s claim", name)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s claim is not numeric", name)
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s claim out of range", name)
	}
	return f, nil
}

func unixFloat(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
