package storage

import (
	"os"

	"github.com/google/uuid"
)

// LocalIDPrefix marks identifiers minted on the device rather than issued by
// the backend.
const LocalIDPrefix = "local_"

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// NewID returns a random identifier for locally created records.
func NewID() string {
	return uuid.NewString()
}

// NewLocalID returns an identifier flagged as not yet known to the backend.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}
