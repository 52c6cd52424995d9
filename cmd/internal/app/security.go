package app

import (
	"errors"

	"arclink/cmd/internal/mockapi/signer"
)

// mockSigningKey returns the development backend's token key.
//
// With ARC_REQUIRE_TOKEN_HMAC=true a missing or short ARC_TOKEN_HMAC_KEY is
// fatal. Otherwise a random per-process key is used and tokens do not survive
// a restart.
func mockSigningKey(cfg Config, log Logger) ([]byte, error) {
	key, err := signer.KeyFromEnv()
	if err == nil {
		return key, nil
	}

	if cfg.RequireTokenHMAC {
		switch {
		case errors.Is(err, signer.ErrKeyMissing):
			return nil, errors.New("security policy: ARC_REQUIRE_TOKEN_HMAC=true but ARC_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, signer.ErrKeyTooShort):
			return nil, errors.New("security policy: ARC_REQUIRE_TOKEN_HMAC=true but ARC_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return nil, err
		}
	}
	if errors.Is(err, signer.ErrKeyTooShort) {
		return nil, err
	}

	log.Warn("mock.signing_key.ephemeral")
	return signer.RandomKey()
}
