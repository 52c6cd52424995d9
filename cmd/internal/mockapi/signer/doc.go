// Package signer mints and verifies HS256 tokens for the development backend.
//
// Tokens are three base64url segments (header.payload.signature) carrying
// sub, sid, jti, type (access|refresh), iat and exp claims.
//
// Environment:
//   - ARC_TOKEN_HMAC_KEY: signing key (>= 32 bytes). A random key is generated when unset.
package signer
