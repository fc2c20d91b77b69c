package idempotency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDriver is the key-value backend. Each record is one redis key holding
// a JSON envelope; the claim is a get-or-set script so absent-or-expired
// arbitration stays a single round trip, and Complete/Release check the
// stored owner token server-side before overwriting or deleting. Expiry is
// redis's native TTL; Complete resets it to the completed retention.
type RedisDriver struct {
	client  redis.Cmdable
	prefix  string
	nowFunc func() time.Time
}

func NewRedisDriver(client redis.Cmdable, prefix string) *RedisDriver {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "idemgate"
	}
	return &RedisDriver{
		client:  client,
		prefix:  normalized,
		nowFunc: time.Now,
	}
}

type redisRecord struct {
	State      State     `json:"state"`
	OwnerToken string    `json:"owner_token"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

var claimScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  return {0, existing}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {1, ""}
`)

var completeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec.owner_token ~= ARGV[1] or rec.state ~= "CLAIMED" then
  return 0
end
rec.state = "COMPLETED"
rec.payload = ARGV[2]
rec.expires_at = ARGV[3]
redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec.owner_token ~= ARGV[1] or rec.state ~= "CLAIMED" then
  return 0
end
return redis.call("DEL", KEYS[1])
`)

func (d *RedisDriver) ClaimIfAbsentOrExpired(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, *Record, error) {
	if err := validateClaimArgs(key, ownerToken, ttl); err != nil {
		return false, nil, err
	}

	now := d.nowFunc().UTC()
	raw, err := json.Marshal(redisRecord{
		State:      StateClaimed,
		OwnerToken: ownerToken,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return false, nil, fmt.Errorf("encode claim record: %w", err)
	}

	result, err := claimScript.Run(ctx, d.client, []string{d.recordKey(key)}, raw, strconv.FormatInt(ttl.Milliseconds(), 10)).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if len(result) != 2 {
		return false, nil, fmt.Errorf("idempotency claim: unexpected script reply of length %d", len(result))
	}

	created, ok := result[0].(int64)
	if !ok {
		return false, nil, errors.New("idempotency claim: unexpected script reply type")
	}
	if created == 1 {
		return true, nil, nil
	}

	existingRaw, ok := result[1].(string)
	if !ok || existingRaw == "" {
		return false, nil, errors.New("idempotency claim: missing existing record in script reply")
	}
	rec, err := decodeRedisRecord(key, []byte(existingRaw))
	if err != nil {
		return false, nil, err
	}
	return false, &rec, nil
}

func (d *RedisDriver) CompareAndComplete(ctx context.Context, key, ownerToken string, payload []byte, retention time.Duration) (bool, error) {
	if err := validateClaimArgs(key, ownerToken, retention); err != nil {
		return false, err
	}

	expiresAt := d.nowFunc().UTC().Add(retention)
	updated, err := completeScript.Run(ctx, d.client, []string{d.recordKey(key)},
		ownerToken,
		base64.StdEncoding.EncodeToString(payload),
		expiresAt.Format(time.RFC3339Nano),
		strconv.FormatInt(retention.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency complete: %w", err)
	}
	return updated == 1, nil
}

func (d *RedisDriver) CompareAndDelete(ctx context.Context, key, ownerToken string) (bool, error) {
	if key == "" {
		return false, errors.New("key is required")
	}
	if ownerToken == "" {
		return false, errors.New("owner token is required")
	}

	deleted, err := releaseScript.Run(ctx, d.client, []string{d.recordKey(key)}, ownerToken).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("idempotency release: %w", err)
	}
	return deleted == 1, nil
}

func (d *RedisDriver) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	raw, err := d.client.Get(ctx, d.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	rec, err := decodeRedisRecord(key, raw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *RedisDriver) recordKey(key string) string {
	return d.prefix + ":rec:" + key
}

func decodeRedisRecord(key string, raw []byte) (Record, error) {
	var stored redisRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return Record{
		StorageKey: key,
		State:      stored.State,
		Payload:    stored.Payload,
		OwnerToken: stored.OwnerToken,
		CreatedAt:  stored.CreatedAt,
		ExpiresAt:  stored.ExpiresAt,
	}, nil
}
