package token

import "errors"

// Key configuration errors returned by HMACKeyFromEnv and HasherFromEnv.
var (
	ErrHMACKeyMissing  = errors.New("token: " + HMACEnvKey + " is not set")
	ErrHMACKeyTooShort = errors.New("token: " + HMACEnvKey + " is too short")
)
