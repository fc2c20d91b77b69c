package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VerdictKind is the outcome of an Acquire call.
type VerdictKind string

const (
	// VerdictClaimedNew authorizes the caller to execute the business
	// operation; it must finish with Complete or Release.
	VerdictClaimedNew VerdictKind = "claimed_new"
	// VerdictInProgress means a concurrent execution holds the claim; the
	// caller surfaces a conflict rather than blocking. Any backoff-and-retry
	// belongs to the calling layer and must be time-boxed there.
	VerdictInProgress VerdictKind = "in_progress"
	// VerdictCompleted carries the cached payload; the caller replays it
	// verbatim and must not re-execute the business operation.
	VerdictCompleted VerdictKind = "completed"
)

type Verdict struct {
	Kind       VerdictKind
	OwnerToken string // set for VerdictClaimedNew
	Payload    []byte // set for VerdictCompleted
}

// Coordinator arbitrates concurrent access to idempotency keys on top of a
// single storage driver. It holds no in-process state about outstanding
// claims, so any number of replicas can share one backing store.
type Coordinator struct {
	driver       Driver
	claimTTL     time.Duration
	completedTTL time.Duration
	logger       *log.Logger
}

func NewCoordinator(driver Driver, claimTTL, completedTTL time.Duration, logger *log.Logger) *Coordinator {
	if claimTTL <= 0 {
		claimTTL = 60 * time.Second
	}
	if completedTTL <= 0 {
		completedTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		driver:       driver,
		claimTTL:     claimTTL,
		completedTTL: completedTTL,
		logger:       logger,
	}
}

// Acquire attempts to claim storageKey for a new execution. It performs one
// atomic claim round trip: no retries, no polling. Backend failures propagate
// as errors — the coordinator never assumes "not claimed" on a failed read.
func (c *Coordinator) Acquire(ctx context.Context, storageKey string) (Verdict, error) {
	storageKey = strings.TrimSpace(storageKey)
	if storageKey == "" {
		return Verdict{}, errors.New("storage key is required")
	}

	owner := newOwnerToken()
	created, existing, err := c.driver.ClaimIfAbsentOrExpired(ctx, storageKey, owner, c.claimTTL)
	if err != nil {
		return Verdict{}, fmt.Errorf("idempotency acquire: %w", err)
	}
	if created {
		return Verdict{Kind: VerdictClaimedNew, OwnerToken: owner}, nil
	}
	if existing == nil {
		// The blocking record expired between the claim attempt and the read.
		// Treat it as in progress; the caller's next attempt will claim it.
		return Verdict{Kind: VerdictInProgress}, nil
	}
	if existing.State == StateCompleted {
		return Verdict{Kind: VerdictCompleted, Payload: existing.Payload}, nil
	}
	return Verdict{Kind: VerdictInProgress}, nil
}

// Complete records the execution outcome and makes it replayable until the
// completed retention elapses. Repeating Complete with the owner token of an
// already-completed record is a no-op. A stale token returns ErrOwnerMismatch
// and the payload is discarded from the cache's perspective.
func (c *Coordinator) Complete(ctx context.Context, storageKey, ownerToken string, payload []byte) error {
	ok, err := c.driver.CompareAndComplete(ctx, storageKey, ownerToken, payload, c.completedTTL)
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if ok {
		return nil
	}

	rec, err := c.driver.Get(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if rec != nil && rec.State == StateCompleted && rec.OwnerToken == ownerToken {
		return nil
	}
	c.logger.Printf("idempotency: complete rejected for key %s: stale owner token", storageKey)
	return ErrOwnerMismatch
}

// Release drops a claim after a failed execution so the next retry does not
// wait out the claim TTL. Releasing a key that is already gone is a no-op.
func (c *Coordinator) Release(ctx context.Context, storageKey, ownerToken string) error {
	ok, err := c.driver.CompareAndDelete(ctx, storageKey, ownerToken)
	if err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	if ok {
		return nil
	}

	rec, err := c.driver.Get(ctx, storageKey)
	if err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	if rec == nil {
		return nil
	}
	c.logger.Printf("idempotency: release rejected for key %s: stale owner token", storageKey)
	return ErrOwnerMismatch
}

func newOwnerToken() string {
	return "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
