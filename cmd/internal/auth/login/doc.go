// Package login runs the credential check, the per-user session cap and the
// pre-login termination loop that lets a capped user free a slot.
//
// A login at the cap returns *ChoiceRequiredError carrying the live sessions
// and a short-lived pending-login ticket. The ticket authorizes terminating one
// of those sessions, once; the client then submits its credentials again. No
// credentials are held between steps, over HTTP or in Flow.
package login
