package common

import (
	"github.com/google/uuid"
)

// NewInstanceID generates a unique ID for a server instance or dashboard client
// Format: <prefix>_<uuid>
func NewInstanceID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}
