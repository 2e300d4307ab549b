// Package storage owns raw media bytes. The rest of the system only ever
// sees opaque keys.
package storage

import (
	"context"
	"time"

	"github.com/greenloop/backend/internal/errs"
)

// ErrNotFound is returned when a key has no stored object behind it.
var ErrNotFound = errs.NotFound("stored object")

// Storage is the media storage collaborator.
type Storage interface {
	// Store persists the bytes and returns the opaque key they live under.
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	// Fetch returns the bytes stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)
	// Delete removes the bytes stored under key.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited URL from which the object can be
	// fetched without credentials.
	SignedURL(key string, ttl time.Duration) (string, error)
}
