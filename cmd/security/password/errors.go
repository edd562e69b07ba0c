package password

import "errors"

// Policy and format errors. Callers compare with errors.Is.
var (
	ErrPasswordTooShort = errors.New("password: too short")
	ErrPasswordTooLong  = errors.New("password: too long")
	ErrWeakPassword     = errors.New("password: too weak")
	ErrInvalidHash      = errors.New("password: malformed or unsupported hash")
)
