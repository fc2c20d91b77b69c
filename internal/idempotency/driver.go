package idempotency

import (
	"context"
	"time"
)

// Driver is the storage backend contract. Every method is a single backend
// round trip with linearizable compare-and-swap semantics for one key;
// cross-key atomicity is never required. Expired records must be invisible
// to every method, as if they had already been deleted.
type Driver interface {
	// ClaimIfAbsentOrExpired atomically inserts a CLAIMED record when no live
	// record exists for key, replacing an expired one if present. It returns
	// created=true when the claim succeeded, otherwise the live record that
	// blocked it.
	ClaimIfAbsentOrExpired(ctx context.Context, key, ownerToken string, ttl time.Duration) (created bool, existing *Record, err error)

	// CompareAndComplete flips the record to COMPLETED with the given payload,
	// but only while it is CLAIMED by ownerToken. The expiry window is reset
	// to retention so the cached response outlives the in-flight claim TTL.
	CompareAndComplete(ctx context.Context, key, ownerToken string, payload []byte, retention time.Duration) (bool, error)

	// CompareAndDelete removes the record only while it is CLAIMED by
	// ownerToken, making the key immediately reclaimable.
	CompareAndDelete(ctx context.Context, key, ownerToken string) (bool, error)

	// Get returns the live record for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
}

// expiryDeleter is an optional driver capability used by the Sweeper. Drivers
// whose backend expires keys natively (redis) do not implement it.
type expiryDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
