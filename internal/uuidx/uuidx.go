// Package uuidx generates the identifiers stamped on envelopes.
package uuidx

import "github.com/google/uuid"

// NewString returns a time-ordered (version 7) UUID string. Message ids use
// it so that ids from one broker sort by publish time.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Random returns a version 4 UUID string.
func Random() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
