// Package token hashes refresh tokens for server-side storage.
//
// The plain refresh token is handed to the client exactly once; only its
// 64-char hex digest is persisted. With a key configured the digest is
// HMAC-SHA256(token, key), otherwise plain SHA-256 (development only).
//
// Environment:
//   - SG_TOKEN_HMAC_KEY: enables HMAC mode when set.
package token
