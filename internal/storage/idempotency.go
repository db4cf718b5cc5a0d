package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetIdempotency returns the record for (scope, key), or ErrNotFound.
func (t *Tx) GetIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var createdAt string
	err := t.tx.QueryRowContext(ctx,
		`SELECT scope, key, resource_type, resource_id, created_at FROM idempotency_keys
		WHERE scope = ? AND key = ?`, scope, key,
	).Scan(&rec.Scope, &rec.Key, &rec.ResourceType, &rec.ResourceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, fmt.Errorf("idempotency key %s/%s: %w", scope, key, ErrNotFound)
	}
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("getting idempotency key %s/%s: %w", scope, key, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return IdempotencyRecord{}, err
	}
	return rec, nil
}

// InsertIdempotency stores rec unless (scope, key) already exists. It
// reports whether the row was inserted.
func (t *Tx) InsertIdempotency(ctx context.Context, rec IdempotencyRecord) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, key, resource_type, resource_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, key) DO NOTHING`,
		rec.Scope, rec.Key, rec.ResourceType, rec.ResourceID, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("recording idempotency key %s/%s: %w", rec.Scope, rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording idempotency key %s/%s: %w", rec.Scope, rec.Key, err)
	}
	return n > 0, nil
}
