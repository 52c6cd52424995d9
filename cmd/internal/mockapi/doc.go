// Package mockapi is an in-process development backend for arclink.
//
// It implements the backend collaborator the client talks to:
//   - POST /auth/login   {username}       -> token pair (development only, no password)
//   - POST /auth/refresh {refresh_token}  -> rotated token pair
//   - POST /auth/logout  (bearer)         -> revokes the session
//   - GET  /auth/me      (bearer)         -> identity JSON
//   - GET  /stream/{name}?token=...       -> websocket topic subscription
//   - POST /stream/{name}/publish (bearer) -> event fanout to subscribers
//
// Refresh tokens rotate on every use. Presenting a refresh token that was
// already rotated revokes the whole session.
//
// Stream connections with a rejected token are closed with 4001. When the
// access token used to open a stream expires, the server closes it with 4002
// so the client reconnects with a fresh token.
package mockapi
