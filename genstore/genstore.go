// Package genstore keeps the generation counters regions use to detect
// stale frames.
//
// Evicting a key bumps its generation. A frame records the generation it was
// written under, so after a bump the old frame no longer matches and the
// region drops it on the next read instead of serving it.
package genstore

import (
	"context"
	"time"
)

// GenStore is where a region's generations live: in the process
// (LocalGenStore) or in Redis when processes share a region (RedisGenStore).
// Unknown keys are at generation 0.
type GenStore interface {
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump increments atomically and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup forgets keys not bumped within retention, where the store
	// has to do that itself.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
