package signer

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing   = errors.New("token HMAC key missing")
	ErrKeyTooShort  = errors.New("token HMAC key too short")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
	ErrWrongType    = errors.New("wrong token type")
)
