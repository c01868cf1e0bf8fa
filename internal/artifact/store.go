// Package artifact stores generated image bytes under opaque asset ids. The
// production backend is an S3-compatible bucket; Memory backs dev mode and
// tests, and Cache wraps either with an in-process LRU.
package artifact

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object exists for the asset id.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact byte-store contract. Writes are never overwrites:
// asset ids are ULIDs minted per upload.
type Store interface {
	Put(ctx context.Context, assetID string, data []byte) error
	Get(ctx context.Context, assetID string) ([]byte, error)
}
