package app

import (
	"errors"
	"fmt"

	"sessiongate/cmd/security/token"
)

// refreshHasher builds the refresh-token hasher and enforces the HMAC policy.
// Starting with SHA-256 digests when HMAC is required is never acceptable.
func refreshHasher(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		return token.Hasher{}, fmt.Errorf("security policy: SG_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Hasher{}, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
	case err != nil:
		return token.Hasher{}, err
	}

	if cfg.RequireTokenHMAC && !h.HMAC() {
		return token.Hasher{}, errors.New("security policy: refresh-token hasher is not in HMAC mode")
	}
	return h, nil
}
