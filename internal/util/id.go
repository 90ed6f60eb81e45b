package util

import "github.com/google/uuid"

// NewID returns a time-ordered UUID (v7) string, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
