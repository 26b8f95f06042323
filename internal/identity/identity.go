// Package identity defines the normalized user key that every part of the
// core uses for addressing. Display names, avatars and auth credentials are
// someone else's problem.
package identity

import (
	"errors"
	"strings"
)

// MaxLen bounds an identity key. Keys are short handles, not free text.
const MaxLen = 64

var ErrInvalid = errors.New("invalid identity")

// Normalize lower-cases and trims an identity key. All lookups and map keys
// go through this so "Alice " and "alice" address the same user.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Parse normalizes s and validates it as an identity key.
func Parse(s string) (string, error) {
	id := Normalize(s)
	if id == "" || len(id) > MaxLen {
		return "", ErrInvalid
	}
	return id, nil
}
