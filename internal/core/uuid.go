package core

import (
	"github.com/google/uuid"
)

// NewUUIDv7 returns a time-ordered UUIDv7 string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUIDv7 reports whether s parses as a UUID with version 7 and the RFC 4122 variant.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}

// ShortID returns the first eight hex characters of a random UUID.
func ShortID() string {
	return uuid.NewString()[:8]
}
