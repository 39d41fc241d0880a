// Package provider defines the byte stores behind second-level cache regions.
//
// A region hands a provider fully framed values (see internal/wire) and
// expects them back unchanged, so implementations store bytes opaquely:
// whatever compression or sharding they do internally is undone on Get.
//
// Keys under "ent:<region>:" and "col:<region>:" belong to casorm regions.
// Anything else written there fails frame validation and is deleted on read.
package provider

import (
	"context"
	"time"
)

// Provider is a concurrency-safe byte store with per-entry TTLs.
type Provider interface {
	// Get reports a miss as (nil, false, nil). Transport failures return err.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set returns ok=false when the store declined the value (admission
	// policy, size limits). cost is advisory; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del is best effort; deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

// Pinger is implemented by remote providers that can check reachability
// before a region starts serving.
type Pinger interface {
	Ping(ctx context.Context) error
}
