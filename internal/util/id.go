package util

import "github.com/google/uuid"

// NewID returns a random UUID string used for files, messages, and jobs.
func NewID() string {
	return uuid.NewString()
}
