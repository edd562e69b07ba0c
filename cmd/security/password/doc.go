// Package password hashes and verifies user passwords with Argon2id.
//
// Hashes use the PHC string layout ($argon2id$v=19$m=..,t=..,p=..$salt$key).
// Encoded hashes are untrusted input during Verify: parameters far above the
// configured ones are rejected before any key derivation runs.
package password
