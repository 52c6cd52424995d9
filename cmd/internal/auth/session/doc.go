// Package session implements the client side of Arc's session architecture.
//
// A Manager owns the locally persisted token pair and keeps it usable:
//   - it renews the pair through POST /auth/refresh, at most one renewal in flight;
//   - it wraps outbound API requests, attaching the bearer token and re-authenticating
//     exactly once on 401;
//   - it memoizes the identity returned by GET /auth/me.
//
// Access-token claims are parsed without verifying the signature. The backend is the
// trust boundary; local parsing only avoids sending requests that are certain to fail.
package session
