package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryDriver() (*MemoryDriver, *fakeClock) {
	driver := NewMemoryDriver()
	clock := newFakeClock()
	driver.nowFunc = clock.Now
	return driver, clock
}

func TestMemoryDriverClaimCompleteGet(t *testing.T) {
	driver, _ := newTestMemoryDriver()
	ctx := context.Background()

	created, existing, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k1", "owner-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !created || existing != nil {
		t.Fatalf("expected fresh claim, got created=%v existing=%#v", created, existing)
	}

	created, existing, err = driver.ClaimIfAbsentOrExpired(ctx, "orders:k1", "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if created {
		t.Fatalf("expected second claim to lose")
	}
	if existing == nil || existing.State != StateClaimed || existing.OwnerToken != "owner-1" {
		t.Fatalf("unexpected existing record: %#v", existing)
	}

	ok, err := driver.CompareAndComplete(ctx, "orders:k1", "owner-1", []byte("payload"), time.Hour)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !ok {
		t.Fatalf("expected complete to succeed")
	}

	rec, err := driver.Get(ctx, "orders:k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || rec.State != StateCompleted || string(rec.Payload) != "payload" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestMemoryDriverCompleteRequiresOwnerAndClaimedState(t *testing.T) {
	driver, _ := newTestMemoryDriver()
	ctx := context.Background()

	if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k2", "owner-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := driver.CompareAndComplete(ctx, "orders:k2", "owner-2", []byte("x"), time.Hour)
	if err != nil {
		t.Fatalf("complete with wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("expected complete with wrong owner to fail")
	}

	if ok, _ = driver.CompareAndComplete(ctx, "orders:k2", "owner-1", []byte("x"), time.Hour); !ok {
		t.Fatalf("expected complete to succeed")
	}
	if ok, _ = driver.CompareAndComplete(ctx, "orders:k2", "owner-1", []byte("y"), time.Hour); ok {
		t.Fatalf("expected complete on completed record to fail the CAS")
	}
}

func TestMemoryDriverExpiryMakesRecordInvisible(t *testing.T) {
	driver, clock := newTestMemoryDriver()
	ctx := context.Background()

	if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k3", "owner-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.Advance(61 * time.Second)

	rec, err := driver.Get(ctx, "orders:k3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected expired record to read as absent, got %#v", rec)
	}

	created, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k3", "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !created {
		t.Fatalf("expected expired record to be reclaimable")
	}

	ok, err := driver.CompareAndDelete(ctx, "orders:k3", "owner-1")
	if err != nil {
		t.Fatalf("stale delete: %v", err)
	}
	if ok {
		t.Fatalf("expected stale owner delete to fail")
	}
}

func TestMemoryDriverCompareAndDelete(t *testing.T) {
	driver, _ := newTestMemoryDriver()
	ctx := context.Background()

	if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k4", "owner-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := driver.CompareAndDelete(ctx, "orders:k4", "owner-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatalf("expected delete to succeed")
	}
	if rec, _ := driver.Get(ctx, "orders:k4"); rec != nil {
		t.Fatalf("expected record to be gone")
	}
}

func TestMemoryDriverDeleteExpired(t *testing.T) {
	driver, clock := newTestMemoryDriver()
	ctx := context.Background()

	if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k5", "owner-1", time.Minute); err != nil {
		t.Fatalf("claim short: %v", err)
	}
	if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k6", "owner-2", time.Hour); err != nil {
		t.Fatalf("claim long: %v", err)
	}

	clock.Advance(10 * time.Minute)

	removed, err := driver.DeleteExpired(ctx, clock.Now())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed record, got %d", removed)
	}
	if rec, _ := driver.Get(ctx, "orders:k6"); rec == nil {
		t.Fatalf("expected live record to survive sweep")
	}
}

func TestMemoryDriverClonesPayloads(t *testing.T) {
	driver, _ := newTestMemoryDriver()
	ctx := context.Background()

	if _, _, err := driver.ClaimIfAbsentOrExpired(ctx, "orders:k7", "owner-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	payload := []byte("original")
	if ok, _ := driver.CompareAndComplete(ctx, "orders:k7", "owner-1", payload, time.Hour); !ok {
		t.Fatalf("expected complete to succeed")
	}
	payload[0] = 'X'

	rec, err := driver.Get(ctx, "orders:k7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Payload) != "original" {
		t.Fatalf("stored payload was mutated through the caller's slice: %q", rec.Payload)
	}
	rec.Payload[0] = 'Y'
	again, _ := driver.Get(ctx, "orders:k7")
	if string(again.Payload) != "original" {
		t.Fatalf("stored payload was mutated through a returned record: %q", again.Payload)
	}
}
