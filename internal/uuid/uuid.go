// Package uuid provides identifier generation for queued sync items.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical UUID format with version 4 or 7 and RFC 4122 variant bits.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a time-ordered UUID v7: a millisecond timestamp prefix
// followed by random bits, so ids sort by creation time and never collide
// within the same millisecond. Falls back to a random v4 if the v7 generator
// fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if a string is a canonical UUID v4 or v7.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical UUID v4 or v7.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
