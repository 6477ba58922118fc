package crypto

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSocketID identifies one hub connection. UUIDv7 keeps them time-ordered in logs.
func NewSocketID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewJobID generates a ULID for queued fan-out jobs.
func NewJobID() ulid.ULID {
	return ulid.Make()
}
