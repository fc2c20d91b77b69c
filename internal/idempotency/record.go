package idempotency

import (
	"errors"
	"time"
)

// State tracks where a record sits in its lifecycle. A record is created as
// CLAIMED by an atomic insert and flips to COMPLETED exactly once; there is no
// persisted failure state — a failed execution releases the claim instead.
type State string

const (
	StateClaimed   State = "CLAIMED"
	StateCompleted State = "COMPLETED"
)

// Record is the persisted unit behind one idempotency key. Payload is opaque
// to this package and is only present once the record is COMPLETED.
type Record struct {
	StorageKey string
	State      State
	Payload    []byte
	OwnerToken string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// ErrOwnerMismatch is returned by Complete and Release when the record is
// owned by a different execution attempt (the claim expired and was reclaimed,
// or another party already completed it). The caller's business side effect
// has already happened; reconciling it is the caller's responsibility.
var ErrOwnerMismatch = errors.New("idempotency: owner token mismatch")
