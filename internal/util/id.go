package util

import "github.com/google/uuid"

// NewID returns a random v4 UUID string. Used for user, conversation and
// message identifiers as well as generated request ids.
func NewID() string {
	return uuid.NewString()
}
