// Package sessions tracks session identity, liveness and coarse status.
package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/metrics"
	"github.com/kalambet/sessionbus/internal/storage"
)

// DefaultOfflineAfter is how long a session may stay silent before its
// public status becomes OFFLINE.
const DefaultOfflineAfter = 120 * time.Second

const maxNameLen = 255

// Summary is a session as seen by callers: its stored fields plus the
// derived public status and request/inbox aggregates.
type Summary struct {
	storage.Session
	PublicStatus         storage.SessionStatus
	PendingRequests      int
	ResponseAcknowledged bool
}

// RegisterParams are the inputs to Register.
type RegisterParams struct {
	DisplayName string
	TenantID    string
	Metadata    json.RawMessage
}

// Registry owns session identity, liveness and coarse status.
type Registry struct {
	store        *storage.Store
	clock        clockwork.Clock
	offlineAfter time.Duration
	logger       *slog.Logger
}

// NewRegistry creates a Registry. A non-positive offlineAfter selects
// DefaultOfflineAfter.
func NewRegistry(store *storage.Store, clk clockwork.Clock, offlineAfter time.Duration) *Registry {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &Registry{
		store:        store,
		clock:        clk,
		offlineAfter: offlineAfter,
		logger:       slog.Default(),
	}
}

// Register creates a session in WORKING status.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (storage.Session, error) {
	name := strings.TrimSpace(p.DisplayName)
	if err := storage.CheckLen("display_name", name, 1, maxNameLen); err != nil {
		return storage.Session{}, err
	}
	tenant := strings.TrimSpace(p.TenantID)
	if err := storage.CheckLen("tenant_id", tenant, 0, maxNameLen); err != nil {
		return storage.Session{}, err
	}
	meta, err := NormalizeMetadata(p.Metadata)
	if err != nil {
		return storage.Session{}, err
	}

	now := r.clock.Now()
	s := storage.Session{
		ID:          uuid.NewString(),
		DisplayName: name,
		TenantID:    tenant,
		Metadata:    meta,
		Status:      storage.SessionWorking,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastSeenAt:  now,
	}
	if err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertSession(ctx, s)
	}); err != nil {
		return storage.Session{}, fmt.Errorf("registering session: %w", err)
	}

	metrics.SessionsRegistered.Inc()
	r.logger.Info("session registered", "session_id", s.ID, "display_name", s.DisplayName)
	return s, nil
}

// Heartbeat refreshes the session's last-seen time. A non-empty status
// overwrites the raw status; non-nil metadata replaces the stored map.
func (r *Registry) Heartbeat(ctx context.Context, id string, status storage.SessionStatus, metadata json.RawMessage) (Summary, error) {
	meta, err := NormalizeMetadata(metadata)
	if err != nil {
		return Summary{}, err
	}
	if status != "" {
		if _, err := storage.ParseSessionStatus(string(status)); err != nil {
			return Summary{}, err
		}
	}
	return r.touch(ctx, id, storage.SessionUpdate{Status: status, Metadata: meta})
}

// SetStatus overrides the raw status and refreshes last-seen.
func (r *Registry) SetStatus(ctx context.Context, id string, status storage.SessionStatus) (Summary, error) {
	if _, err := storage.ParseSessionStatus(string(status)); err != nil {
		return Summary{}, err
	}
	return r.touch(ctx, id, storage.SessionUpdate{Status: status})
}

func (r *Registry) touch(ctx context.Context, id string, u storage.SessionUpdate) (Summary, error) {
	var st storage.SessionStats
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.TouchSession(ctx, id, u, r.clock.Now()); err != nil {
			return err
		}
		var err error
		st, err = tx.GetSessionStats(ctx, id)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	return r.summarize(st, r.clock.Now()), nil
}

// Get returns the summary of one session.
func (r *Registry) Get(ctx context.Context, id string) (Summary, error) {
	var st storage.SessionStats
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		st, err = tx.GetSessionStats(ctx, id)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	return r.summarize(st, r.clock.Now()), nil
}

// List returns every session ordered by last-seen time descending, then
// creation time descending.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	var rows []storage.SessionStats
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		rows, err = tx.ListSessionStats(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	out := make([]Summary, 0, len(rows))
	for _, st := range rows {
		out = append(out, r.summarize(st, now))
	}
	return out, nil
}

// Purge deletes a session and everything it owns in one transaction.
func (r *Registry) Purge(ctx context.Context, id string) error {
	if err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		return tx.DeleteSession(ctx, id)
	}); err != nil {
		return err
	}
	metrics.SessionsPurged.WithLabelValues("explicit").Inc()
	r.logger.Info("session purged", "session_id", id)
	return nil
}

// PurgeStale deletes up to limit DONE or ERROR sessions last seen before
// cutoff, together with everything they own, and returns their ids.
func (r *Registry) PurgeStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		ids, err = tx.StaleSessions(ctx, []storage.SessionStatus{storage.SessionDone, storage.SessionError}, cutoff, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.DeleteSession(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purging stale sessions: %w", err)
	}
	if len(ids) > 0 {
		metrics.SessionsPurged.WithLabelValues("retention").Add(float64(len(ids)))
		r.logger.Info("stale sessions purged", "count", len(ids))
	}
	return ids, nil
}

// PublicStatus returns OFFLINE if the session has been silent for longer
// than the liveness threshold, and its raw status otherwise.
func (r *Registry) PublicStatus(s storage.Session, now time.Time) storage.SessionStatus {
	if now.Sub(s.LastSeenAt) > r.offlineAfter {
		return storage.SessionOffline
	}
	return s.Status
}

func (r *Registry) summarize(st storage.SessionStats, now time.Time) Summary {
	return Summary{
		Session:         st.Session,
		PublicStatus:    r.PublicStatus(st.Session, now),
		PendingRequests: st.PendingRequests,
		// False until at least one INPUT_RESPONSE exists.
		ResponseAcknowledged: st.PendingRequests == 0 && st.LatestResponseStatus == storage.MessageAcked,
	}
}

// NormalizeMetadata validates an optional metadata value. It must be a
// JSON object; nil and JSON null both mean "not given".
func NormalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, storage.Invalid("metadata", "must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}
