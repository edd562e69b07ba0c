package identity

import "errors"

// Error kinds. Every error this package returns wraps exactly one of them.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInactive     = errors.New("account inactive")
)

// Error attaches the failing operation and optional detail (a field or resource
// name, never a secret) to one of the kinds above.
type Error struct {
	Op     string
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

func (e *Error) Unwrap() error { return e.Kind }

func invalid(op, detail string) error { return &Error{Op: op, Kind: ErrInvalidInput, Detail: detail} }
func notFound(op string) error { return &Error{Op: op, Kind: ErrNotFound, Detail: "user"} }
func conflict(op, field string) error { return &Error{Op: op, Kind: ErrConflict, Detail: field} }
func inactive(op string) error { return &Error{Op: op, Kind: ErrInactive} }

// IsConflict reports whether err is a uniqueness violation.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err is ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
