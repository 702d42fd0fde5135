// Package uuid provides UUID v4 generation and validation utilities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a well-formed UUID v4.
func IsValid(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4
}

// Validate returns an error if s is not a valid UUID v4. Event and entity
// ids cross the wire, so anything else is rejected at the boundary.
func Validate(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return nil
}
