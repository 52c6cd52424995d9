// Package realtime manages named, long-lived stream connections for a client.
//
// Each channel runs its own state machine:
//
//	Connecting -> Connected -> (abnormal close) -> Reconnecting -> Connecting ...
//	                        -> (1000 or 4001)   -> Disconnected
//	Reconnecting budget exhausted               -> Failed
//
// A valid access token is obtained from the Authenticator before every open and
// passed as the token query parameter. Tokens are never refreshed mid-connection;
// expiry surfaces as a server close and the next open picks up a fresh token.
package realtime
