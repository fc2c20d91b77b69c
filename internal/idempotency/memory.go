package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryDriver keeps records in a mutex-guarded map. It is the development
// and test backend; it provides the same single-key semantics as the shared
// backends but obviously cannot coordinate across processes.
type MemoryDriver struct {
	mu      sync.Mutex
	records map[string]Record
	nowFunc func() time.Time
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		records: make(map[string]Record),
		nowFunc: time.Now,
	}
}

func (d *MemoryDriver) ClaimIfAbsentOrExpired(_ context.Context, key, ownerToken string, ttl time.Duration) (bool, *Record, error) {
	if err := validateClaimArgs(key, ownerToken, ttl); err != nil {
		return false, nil, err
	}

	now := d.nowFunc().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.records[key]
	if ok && !existing.expired(now) {
		rec := existing
		rec.Payload = clonePayload(existing.Payload)
		return false, &rec, nil
	}
	d.records[key] = Record{
		StorageKey: key,
		State:      StateClaimed,
		OwnerToken: ownerToken,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil, nil
}

func (d *MemoryDriver) CompareAndComplete(_ context.Context, key, ownerToken string, payload []byte, retention time.Duration) (bool, error) {
	if err := validateClaimArgs(key, ownerToken, retention); err != nil {
		return false, err
	}

	now := d.nowFunc().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.records[key]
	if !ok || existing.expired(now) {
		delete(d.records, key)
		return false, nil
	}
	if existing.OwnerToken != ownerToken || existing.State != StateClaimed {
		return false, nil
	}
	existing.State = StateCompleted
	existing.Payload = clonePayload(payload)
	existing.ExpiresAt = now.Add(retention)
	d.records[key] = existing
	return true, nil
}

func (d *MemoryDriver) CompareAndDelete(_ context.Context, key, ownerToken string) (bool, error) {
	if key == "" {
		return false, errors.New("key is required")
	}
	if ownerToken == "" {
		return false, errors.New("owner token is required")
	}

	now := d.nowFunc().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.records[key]
	if !ok || existing.expired(now) {
		delete(d.records, key)
		return false, nil
	}
	if existing.OwnerToken != ownerToken || existing.State != StateClaimed {
		return false, nil
	}
	delete(d.records, key)
	return true, nil
}

func (d *MemoryDriver) Get(_ context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	now := d.nowFunc().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.records[key]
	if !ok {
		return nil, nil
	}
	if existing.expired(now) {
		delete(d.records, key)
		return nil, nil
	}
	rec := existing
	rec.Payload = clonePayload(existing.Payload)
	return &rec, nil
}

// DeleteExpired removes every expired record. The Get/Claim paths already
// treat expired records as absent; this only reclaims memory.
func (d *MemoryDriver) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed int64
	for key, rec := range d.records {
		if rec.expired(now) {
			delete(d.records, key)
			removed++
		}
	}
	return removed, nil
}

func validateClaimArgs(key, ownerToken string, ttl time.Duration) error {
	if key == "" {
		return errors.New("key is required")
	}
	if ownerToken == "" {
		return errors.New("owner token is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}
