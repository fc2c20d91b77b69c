package idempotency

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runDriverContract exercises the single-key compare-and-swap semantics every
// driver must provide. Expiry subtests use short real TTLs so the suite also
// holds for backends with native key expiry.
func runDriverContract(t *testing.T, newDriver func(t *testing.T) Driver) {
	t.Helper()
	ctx := context.Background()

	freshKey := func() string {
		return "contract:" + uuid.NewString()
	}

	t.Run("ClaimBlocksSecondClaim", func(t *testing.T) {
		driver := newDriver(t)
		key := freshKey()

		created, existing, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-1", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !created || existing != nil {
			t.Fatalf("expected fresh claim, got created=%v existing=%#v", created, existing)
		}

		created, existing, err = driver.ClaimIfAbsentOrExpired(ctx, key, "owner-2", time.Minute)
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if created {
			t.Fatalf("expected second claim to lose")
		}
		if existing == nil || existing.State != StateClaimed || existing.OwnerToken != "owner-1" {
			t.Fatalf("unexpected blocking record: %#v", existing)
		}
	})

	t.Run("CompleteRoundTripsPayload", func(t *testing.T) {
		driver := newDriver(t)
		key := freshKey()
		payload := []byte{0x00, 0x01, '{', '"', 'a', '"', ':', '1', '}', 0xFF}

		if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-1", time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		ok, err := driver.CompareAndComplete(ctx, key, "owner-1", payload, time.Minute)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if !ok {
			t.Fatalf("expected complete to succeed")
		}

		rec, err := driver.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec == nil || rec.State != StateCompleted {
			t.Fatalf("unexpected record: %#v", rec)
		}
		if !bytes.Equal(rec.Payload, payload) {
			t.Fatalf("payload mismatch: got %v want %v", rec.Payload, payload)
		}

		created, existing, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-2", time.Minute)
		if err != nil {
			t.Fatalf("claim after complete: %v", err)
		}
		if created || existing == nil || existing.State != StateCompleted {
			t.Fatalf("expected completed record to block claims, got created=%v existing=%#v", created, existing)
		}
		if !bytes.Equal(existing.Payload, payload) {
			t.Fatalf("payload mismatch via claim path: got %v", existing.Payload)
		}
	})

	t.Run("CompleteRequiresOwnerAndClaimedState", func(t *testing.T) {
		driver := newDriver(t)
		key := freshKey()

		if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-1", time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok, err := driver.CompareAndComplete(ctx, key, "owner-2", []byte("x"), time.Minute); err != nil || ok {
			t.Fatalf("expected wrong-owner complete to fail, got ok=%v err=%v", ok, err)
		}
		if ok, err := driver.CompareAndComplete(ctx, key, "owner-1", []byte("x"), time.Minute); err != nil || !ok {
			t.Fatalf("expected owner complete to succeed, got ok=%v err=%v", ok, err)
		}
		if ok, err := driver.CompareAndComplete(ctx, key, "owner-1", []byte("y"), time.Minute); err != nil || ok {
			t.Fatalf("expected complete on completed record to fail the CAS, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("DeleteRequiresOwnerAndClaimedState", func(t *testing.T) {
		driver := newDriver(t)
		key := freshKey()

		if ok, err := driver.CompareAndDelete(ctx, key, "owner-1"); err != nil || ok {
			t.Fatalf("expected delete of absent key to fail, got ok=%v err=%v", ok, err)
		}

		if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-1", time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok, err := driver.CompareAndDelete(ctx, key, "owner-2"); err != nil || ok {
			t.Fatalf("expected wrong-owner delete to fail, got ok=%v err=%v", ok, err)
		}
		if ok, err := driver.CompareAndDelete(ctx, key, "owner-1"); err != nil || !ok {
			t.Fatalf("expected owner delete to succeed, got ok=%v err=%v", ok, err)
		}

		created, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-3", time.Minute)
		if err != nil {
			t.Fatalf("claim after delete: %v", err)
		}
		if !created {
			t.Fatalf("expected key to be claimable right after delete")
		}
	})

	t.Run("ExpiredClaimIsReclaimable", func(t *testing.T) {
		driver := newDriver(t)
		key := freshKey()

		if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-1", 150*time.Millisecond); err != nil {
			t.Fatalf("claim: %v", err)
		}
		time.Sleep(250 * time.Millisecond)

		if rec, err := driver.Get(ctx, key); err != nil || rec != nil {
			t.Fatalf("expected expired claim to read as absent, got rec=%#v err=%v", rec, err)
		}
		created, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-2", time.Minute)
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if !created {
			t.Fatalf("expected expired claim to be reclaimable")
		}
		if ok, err := driver.CompareAndComplete(ctx, key, "owner-1", []byte("late"), time.Minute); err != nil || ok {
			t.Fatalf("expected stale owner complete to fail after reclaim, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("CompletionExtendsRetentionBeyondClaimTTL", func(t *testing.T) {
		driver := newDriver(t)
		key := freshKey()

		if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, key, "owner-1", 150*time.Millisecond); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok, err := driver.CompareAndComplete(ctx, key, "owner-1", []byte("kept"), time.Minute); err != nil || !ok {
			t.Fatalf("complete: ok=%v err=%v", ok, err)
		}
		time.Sleep(250 * time.Millisecond)

		rec, err := driver.Get(ctx, key)
		if err != nil {
			t.Fatalf("get after claim ttl: %v", err)
		}
		if rec == nil || rec.State != StateCompleted || string(rec.Payload) != "kept" {
			t.Fatalf("expected completed record to outlive the claim ttl, got %#v", rec)
		}
	})

	t.Run("GetAbsentReturnsNil", func(t *testing.T) {
		driver := newDriver(t)
		rec, err := driver.Get(ctx, freshKey())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec != nil {
			t.Fatalf("expected nil for absent key, got %#v", rec)
		}
	})
}

func TestMemoryDriverContract(t *testing.T) {
	runDriverContract(t, func(t *testing.T) Driver {
		t.Helper()
		return NewMemoryDriver()
	})
}
