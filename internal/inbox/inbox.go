// Package inbox implements the per-session delivery queue and its
// long-poll.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/metrics"
	"github.com/kalambet/sessionbus/internal/storage"
)

const (
	// MaxPollTimeout bounds every Poll.
	MaxPollTimeout = 120 * time.Second
	// DefaultPollInterval is how often Poll rechecks storage when no
	// wake-up arrives.
	DefaultPollInterval = time.Second
)

// Inbox stores messages for sessions and hands them out through Poll.
// Waiting polls are woken early by Wake; storage is still the source of
// truth, the wake-up only shortens the wait.
type Inbox struct {
	store    *storage.Store
	clock    clockwork.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// waiter is shared by every Poll currently waiting on one session.
type waiter struct {
	ch chan struct{}
	n  int
}

// New creates an Inbox. A non-positive interval selects DefaultPollInterval.
func New(store *storage.Store, clk clockwork.Clock, interval time.Duration) *Inbox {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Inbox{
		store:    store,
		clock:    clk,
		interval: interval,
		logger:   slog.Default(),
		waiters:  make(map[string]*waiter),
	}
}

// EnqueueTx adds a PENDING message inside an existing transaction. The
// caller must call Wake after the transaction commits.
func (b *Inbox) EnqueueTx(ctx context.Context, tx *storage.Tx, sessionID, msgType string, payload any) (storage.Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return storage.Message{}, fmt.Errorf("encoding payload: %w", err)
	}
	m := storage.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      msgType,
		Payload:   raw,
		Status:    storage.MessagePending,
		CreatedAt: b.clock.Now(),
	}
	if err := tx.InsertMessage(ctx, m); err != nil {
		return storage.Message{}, err
	}
	metrics.InboxEnqueued.WithLabelValues(msgType).Inc()
	return m, nil
}

// Enqueue adds a PENDING message for an existing session and wakes its
// waiting polls. Messages are never deduplicated.
func (b *Inbox) Enqueue(ctx context.Context, sessionID, msgType string, payload any) (storage.Message, error) {
	if err := storage.CheckLen("message_type", msgType, 1, 64); err != nil {
		return storage.Message{}, err
	}
	var m storage.Message
	err := b.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		var err error
		m, err = b.EnqueueTx(ctx, tx, sessionID, msgType, payload)
		return err
	})
	if err != nil {
		return storage.Message{}, err
	}
	b.Wake(sessionID)
	return m, nil
}

// Wake releases every Poll currently waiting on sessionID.
func (b *Inbox) Wake(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.waiters[sessionID]; ok {
		close(w.ch)
		delete(b.waiters, sessionID)
	}
}

// Poll returns the session's not-yet-acked messages, oldest first,
// marking PENDING ones DELIVERED. If there are none it waits up to
// timeout (clamped to [0, MaxPollTimeout]) and returns an empty slice
// when the wait runs out. found is false if the session does not exist.
// A cancelled ctx returns ctx.Err() and leaves nothing behind.
func (b *Inbox) Poll(ctx context.Context, sessionID string, timeout time.Duration) (msgs []storage.Message, found bool, err error) {
	timeout = min(max(timeout, 0), MaxPollTimeout)
	start := b.clock.Now()
	deadline := start.Add(timeout)
	waiting := false
	defer func() {
		if waiting {
			metrics.InboxWaiters.Dec()
		}
		metrics.InboxPollDuration.Observe(b.clock.Now().Sub(start).Seconds())
	}()

	for {
		// Register before checking so a Wake between the check and the
		// wait is not lost.
		wake, release := b.register(sessionID)
		msgs, found, err = b.deliver(ctx, sessionID)
		if err != nil || !found || len(msgs) > 0 {
			release()
			return msgs, found, err
		}

		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			release()
			return []storage.Message{}, true, nil
		}
		if !waiting {
			waiting = true
			metrics.InboxWaiters.Inc()
		}

		select {
		case <-ctx.Done():
			release()
			return nil, false, ctx.Err()
		case <-wake:
		case <-b.clock.After(min(b.interval, remaining)):
		}
		release()
	}
}

func (b *Inbox) register(sessionID string) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waiters[sessionID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		b.waiters[sessionID] = w
	}
	w.n++

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			w.n--
			if w.n == 0 && b.waiters[sessionID] == w {
				delete(b.waiters, sessionID)
			}
		})
	}
}

// waiting reports how many polls are registered on sessionID.
func (b *Inbox) waiting(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.waiters[sessionID]; ok {
		return w.n
	}
	return 0
}

func (b *Inbox) deliver(ctx context.Context, sessionID string) ([]storage.Message, bool, error) {
	var msgs []storage.Message
	err := b.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		var err error
		msgs, err = tx.UnackedMessages(ctx, sessionID)
		if err != nil || len(msgs) == 0 {
			return err
		}

		now := b.clock.Now()
		if _, err := tx.MarkDelivered(ctx, sessionID, now); err != nil {
			return err
		}
		for i := range msgs {
			if msgs[i].Status == storage.MessagePending {
				msgs[i].Status = storage.MessageDelivered
				msgs[i].DeliveredAt = &now
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("polling inbox of %s: %w", sessionID, err)
	}
	return msgs, true, nil
}

// Ack marks a message ACKED. Acking an ACKED message returns it unchanged.
func (b *Inbox) Ack(ctx context.Context, sessionID, messageID string) (storage.Message, error) {
	var m storage.Message
	err := b.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.AckMessage(ctx, sessionID, messageID, b.clock.Now()); err != nil {
			return err
		}
		var err error
		m, err = tx.GetMessage(ctx, sessionID, messageID)
		return err
	})
	if err != nil {
		return storage.Message{}, err
	}
	b.logger.Debug("inbox message acked", "session_id", sessionID, "message_id", messageID)
	return m, nil
}
