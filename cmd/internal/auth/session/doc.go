// Package session implements the session-capped token lifecycle.
//
// Every login creates one Session row and one RefreshToken row sharing a
// tokenId. A user may hold at most Config.MaxSessionsPerUser live sessions;
// the cap is checked and enforced inside the same transaction that creates
// the session. Terminated or logged-out sessions are first marked and later
// hard-deleted by the Cleaner.
//
// Access and refresh tokens are HS256 JWTs carrying {uid, tid, role}. Refresh
// tokens are stored only as a keyed digest (security/token) and rotate on
// every use under a row lock, so each refresh token succeeds at most once.
package session
