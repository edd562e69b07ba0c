package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonPasswords are rejected outright when RejectVeryWeak is set.
var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "passw0rd": {},
	"123456": {}, "12345678": {}, "123456789": {}, "1234567890": {},
	"qwerty": {}, "qwerty123": {}, "qwertyuiop": {}, "11111111": {},
	"letmein": {}, "iloveyou": {}, "admin123": {}, "welcome1": {},
}

// Validate checks plain against the length bounds (in runes) and, when enabled,
// the very-weak heuristics.
func (c Config) Validate(plain string) error {
	switch n := utf8.RuneCountInString(plain); {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && veryWeak(plain) {
		return ErrWeakPassword
	}
	return nil
}

// veryWeak catches only the obvious cases: a single repeated rune, a short PIN,
// or a well-known password.
func veryWeak(plain string) bool {
	s := strings.TrimSpace(plain)
	if s == "" {
		return true
	}
	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}
	if strings.TrimFunc(s, unicode.IsDigit) == "" && utf8.RuneCountInString(s) < 12 {
		return true
	}
	_, common := commonPasswords[strings.ToLower(s)]
	return common
}
