// Package store defines the generation-scoped durable store that the
// gateway caches response snapshots in. A generation is a named bucket
// of entries keyed by canonical request identity; the generation
// manager owns generation lifecycle, everything else only reads and
// writes entries inside one.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/bahalabs/offgate/pkg/snapshot"
)

var ErrClosed = errors.New("store is closed")

// Store is a generation-scoped store of response snapshots.
//
// Implementations must treat each operation as transactional: a Put
// either lands completely or not at all, never as a half-written entry.
// Concurrent writes to the same key are last-writer-wins.
type Store interface {
	// Get returns the entry for key inside generation.
	Get(ctx context.Context, generation, key string) (*snapshot.Snapshot, bool, error)

	// Put writes the entry, overwriting any previous value.
	// A store failure is returned to the caller, there is no local fallback.
	Put(ctx context.Context, generation, key string, s *snapshot.Snapshot) error

	// Delete removes a single entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, generation, key string) error

	// Generations enumerates all existing generation names.
	Generations(ctx context.Context) ([]string, error)

	// DropGeneration removes a generation and every entry in it.
	DropGeneration(ctx context.Context, generation string) error

	// Len returns the number of entries in a generation.
	Len(ctx context.Context, generation string) (int, error)

	io.Closer
}

// Key returns the canonical request identity used as the entry key.
func Key(method, url string) string {
	return method + " " + url
}
