package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDriver is the relational backend. Mutual exclusion rests on the
// primary-key constraint for the initial claim and on conditional UPDATE and
// DELETE statements guarded by owner_token and state for the transitions.
// Expiry is enforced by filtering expires_at on every read and by deleting
// the expired row inside the claim transaction before re-inserting.
type PostgresDriver struct {
	pool    *pgxpool.Pool
	nowFunc func() time.Time
}

func NewPostgresDriver(ctx context.Context, dsn string) (*PostgresDriver, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	driver := &PostgresDriver{pool: pool, nowFunc: time.Now}
	if err := driver.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return driver, nil
}

func (d *PostgresDriver) Close() {
	d.pool.Close()
}

func (d *PostgresDriver) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS idempotency_records (
	storage_key TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	payload BYTEA,
	owner_token TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records (expires_at);`,
	}

	for _, stmt := range statements {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize idempotency schema: %w", err)
		}
	}
	return nil
}

const recordColumns = `storage_key, state, payload, owner_token, created_at, expires_at`

func (d *PostgresDriver) ClaimIfAbsentOrExpired(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, *Record, error) {
	if err := validateClaimArgs(key, ownerToken, ttl); err != nil {
		return false, nil, err
	}

	now := d.nowFunc().UTC()
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
DELETE FROM idempotency_records WHERE storage_key = $1 AND expires_at <= $2
`, key, now); err != nil {
		return false, nil, fmt.Errorf("purge expired record: %w", err)
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO idempotency_records (storage_key, state, payload, owner_token, created_at, expires_at)
VALUES ($1, $2, NULL, $3, $4, $5)
ON CONFLICT (storage_key) DO NOTHING
`, key, StateClaimed, ownerToken, now, now.Add(ttl))
	if err != nil {
		return false, nil, fmt.Errorf("insert claim: %w", err)
	}

	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return false, nil, fmt.Errorf("commit claim tx: %w", err)
		}
		return true, nil, nil
	}

	row := tx.QueryRow(ctx, `
SELECT `+recordColumns+`
FROM idempotency_records
WHERE storage_key = $1 AND expires_at > $2
`, key, now)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The blocking row was deleted after our insert lost the race.
			return false, nil, tx.Commit(ctx)
		}
		return false, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return false, &rec, nil
}

func (d *PostgresDriver) CompareAndComplete(ctx context.Context, key, ownerToken string, payload []byte, retention time.Duration) (bool, error) {
	if err := validateClaimArgs(key, ownerToken, retention); err != nil {
		return false, err
	}

	now := d.nowFunc().UTC()
	tag, err := d.pool.Exec(ctx, `
UPDATE idempotency_records
SET state = $3, payload = $4, expires_at = $5
WHERE storage_key = $1 AND owner_token = $2 AND state = $6 AND expires_at > $7
`, key, ownerToken, StateCompleted, payload, now.Add(retention), StateClaimed, now)
	if err != nil {
		return false, fmt.Errorf("complete record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *PostgresDriver) CompareAndDelete(ctx context.Context, key, ownerToken string) (bool, error) {
	if key == "" {
		return false, errors.New("key is required")
	}
	if ownerToken == "" {
		return false, errors.New("owner token is required")
	}

	now := d.nowFunc().UTC()
	tag, err := d.pool.Exec(ctx, `
DELETE FROM idempotency_records
WHERE storage_key = $1 AND owner_token = $2 AND state = $3 AND expires_at > $4
`, key, ownerToken, StateClaimed, now)
	if err != nil {
		return false, fmt.Errorf("delete claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *PostgresDriver) Get(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	now := d.nowFunc().UTC()
	row := d.pool.QueryRow(ctx, `
SELECT `+recordColumns+`
FROM idempotency_records
WHERE storage_key = $1 AND expires_at > $2
`, key, now)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// DeleteExpired removes rows past their expiry; the read paths already filter
// them out, so this only bounds table growth.
func (d *PostgresDriver) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
DELETE FROM idempotency_records WHERE expires_at <= $1
`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	return tag.RowsAffected(), nil
}

type recordRowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row recordRowScanner) (Record, error) {
	var rec Record
	var state string
	if err := row.Scan(&rec.StorageKey, &state, &rec.Payload, &rec.OwnerToken, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan idempotency record: %w", err)
	}
	rec.State = State(state)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}
