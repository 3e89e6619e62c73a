package utils

import "github.com/google/uuid"

// GenerateID returns a new analysis ID.
func GenerateID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a well-formed analysis ID.
func ValidID(id string) bool {
	return uuid.Validate(id) == nil
}
