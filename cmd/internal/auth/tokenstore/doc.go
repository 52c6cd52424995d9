// Package tokenstore persists the client's token pair.
//
// A Store is a dumb durable key/value holder for two strings, stored under the
// fixed keys "access_token" and "refresh_token". It has no refresh, expiry, or
// validation logic; that belongs to the session package.
//
// Writes are pair-atomic: after Save returns, readers observe either the old pair
// or the new pair, never a mix. Absence of either key reads back as "no session".
package tokenstore
