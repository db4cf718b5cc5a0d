// Package idempotency deduplicates create and respond operations by a
// caller-supplied key within an operation scope.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/storage"
)

// ErrConflict is returned by Record when another transaction recorded the
// same (scope, key) first.
var ErrConflict = errors.New("idempotency key already recorded")

// MaxKeyLen is the longest accepted idempotency key.
const MaxKeyLen = 255

// Operation scopes.
const (
	OpCreate  = "create"
	OpRespond = "respond"
)

// Scope joins an operation family and its discriminator, e.g.
// "create:<session_id>".
func Scope(operation, discriminator string) string {
	return operation + ":" + discriminator
}

// ValidateKey rejects keys longer than MaxKeyLen. The empty key is valid
// and disables deduplication.
func ValidateKey(key string) error {
	return storage.CheckLen("idempotency_key", key, 0, MaxKeyLen)
}

// Guard checks and records idempotency keys inside the caller's
// transaction so that the record commits or rolls back with the
// resource it points to.
type Guard struct {
	clock clockwork.Clock
}

func New(clk clockwork.Clock) *Guard {
	return &Guard{clock: clk}
}

// Check returns the record for (scope, key), or nil if key is empty or
// nothing has been recorded.
func (g *Guard) Check(ctx context.Context, tx *storage.Tx, scope, key string) (*storage.IdempotencyRecord, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := tx.GetIdempotency(ctx, scope, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Record stores (scope, key) -> resource. It is a no-op for an empty key
// and returns ErrConflict if the pair already exists.
func (g *Guard) Record(ctx context.Context, tx *storage.Tx, scope, key, resourceType, resourceID string) error {
	if key == "" {
		return nil
	}
	inserted, err := tx.InsertIdempotency(ctx, storage.IdempotencyRecord{
		Scope:        scope,
		Key:          key,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    g.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%s/%s: %w", scope, key, ErrConflict)
	}
	return nil
}
