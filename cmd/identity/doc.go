// Package identity owns the credential store: users, their role and active
// flag, Argon2id password hashes and the failed-login counter.
//
// Sessions and tokens live in internal/auth/session; identity only answers
// "who is this and may they sign in".
package identity
