package model

import "github.com/google/uuid"

// NewID generates a new UUID string for use as a request identifier.
func NewID() string {
	return uuid.NewString()
}
