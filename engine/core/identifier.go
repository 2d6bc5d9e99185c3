package core

import "github.com/google/uuid"

// NewIdentifier returns a random identifier for game objects and load generations.
func NewIdentifier() uuid.UUID {
	return uuid.New()
}

// ShortIdentifier keeps the first block of the identifier for log lines.
func ShortIdentifier(id uuid.UUID) string {
	return id.String()[:8]
}
