package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sessionColumns = `s.id, s.display_name, s.tenant_id, s.metadata, s.status, s.created_at, s.updated_at, s.last_seen_at`

// statsColumns appends the pending request count and the status of the
// newest INPUT_RESPONSE message to sessionColumns.
const statsColumns = sessionColumns + `,
	(SELECT COUNT(*) FROM input_requests r WHERE r.session_id = s.id AND r.status = 'PENDING'),
	(SELECT m.status FROM inbox_messages m
		WHERE m.session_id = s.id AND m.message_type = 'INPUT_RESPONSE'
		ORDER BY m.created_at DESC, m.seq DESC LIMIT 1)`

// InsertSession stores a new session.
func (t *Tx) InsertSession(ctx context.Context, s Session) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (id, display_name, tenant_id, metadata, status, created_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.DisplayName, nullString(s.TenantID), nullString(string(s.Metadata)), string(s.Status),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt), formatTime(s.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns the session with the given id, or ErrNotFound.
func (t *Tx) GetSession(ctx context.Context, id string) (Session, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return s, nil
}

// SessionUpdate describes a partial update applied by TouchSession.
type SessionUpdate struct {
	Status   SessionStatus   // empty leaves the status unchanged
	Metadata json.RawMessage // nil leaves the metadata unchanged
}

// TouchSession applies u to the session and refreshes its last-seen time.
// last_seen_at never moves backwards, even if now is earlier than the
// stored value.
func (t *Tx) TouchSession(ctx context.Context, id string, u SessionUpdate, now time.Time) error {
	ts := formatTime(now)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET
			status = COALESCE(?, status),
			metadata = CASE WHEN ? THEN ? ELSE metadata END,
			updated_at = ?,
			last_seen_at = MAX(last_seen_at, ?)
		WHERE id = ?`,
		nullString(string(u.Status)),
		u.Metadata != nil, nullString(string(u.Metadata)),
		ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSessionStats returns one session with its aggregates, or ErrNotFound.
func (t *Tx) GetSessionStats(ctx context.Context, id string) (SessionStats, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+statsColumns+` FROM sessions s WHERE s.id = ?`, id)
	st, err := scanSessionStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionStats{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionStats{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return st, nil
}

// ListSessionStats returns every session ordered by last-seen time
// descending, then creation time descending.
func (t *Tx) ListSessionStats(ctx context.Context) ([]SessionStats, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+statsColumns+` FROM sessions s
		ORDER BY s.last_seen_at DESC, s.created_at DESC, s.seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionStats
	for rows.Next() {
		st, err := scanSessionStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteSession removes a session together with everything it owns:
// its requests, its inbox messages and the idempotency records that
// resolve to its requests.
func (t *Tx) DeleteSession(ctx context.Context, id string) error {
	stmts := []struct{ query, what string }{
		{`DELETE FROM idempotency_keys WHERE resource_type = 'input_request'
			AND resource_id IN (SELECT id FROM input_requests WHERE session_id = ?)`, "idempotency records"},
		{`DELETE FROM inbox_messages WHERE session_id = ?`, "inbox messages"},
		{`DELETE FROM input_requests WHERE session_id = ?`, "requests"},
	}
	for _, st := range stmts {
		if _, err := t.tx.ExecContext(ctx, st.query, id); err != nil {
			return fmt.Errorf("deleting %s of session %s: %w", st.what, id, err)
		}
	}

	res, err := t.tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// StaleSessions returns up to limit ids of sessions whose raw status is
// one of statuses and whose last-seen time is before cutoff, oldest first.
func (t *Tx) StaleSessions(ctx context.Context, statuses []SessionStatus, cutoff time.Time, limit int) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, formatTime(cutoff), limit)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM sessions
		WHERE status IN (`+placeholders+`) AND last_seen_at < ?
		ORDER BY last_seen_at ASC, seq ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var tenant, metadata sql.NullString
	var status, createdAt, updatedAt, lastSeen string
	if err := row.Scan(&s.ID, &s.DisplayName, &tenant, &metadata, &status, &createdAt, &updatedAt, &lastSeen); err != nil {
		return Session{}, err
	}
	return finishSession(s, tenant, metadata, status, createdAt, updatedAt, lastSeen)
}

func scanSessionStats(row rowScanner) (SessionStats, error) {
	var st SessionStats
	var tenant, metadata, latest sql.NullString
	var status, createdAt, updatedAt, lastSeen string
	if err := row.Scan(&st.ID, &st.DisplayName, &tenant, &metadata, &status, &createdAt, &updatedAt, &lastSeen,
		&st.PendingRequests, &latest); err != nil {
		return SessionStats{}, err
	}
	s, err := finishSession(st.Session, tenant, metadata, status, createdAt, updatedAt, lastSeen)
	if err != nil {
		return SessionStats{}, err
	}
	st.Session = s
	st.LatestResponseStatus = MessageStatus(latest.String)
	return st, nil
}

func finishSession(s Session, tenant, metadata sql.NullString, status, createdAt, updatedAt, lastSeen string) (Session, error) {
	var err error
	s.TenantID = tenant.String
	if metadata.Valid {
		s.Metadata = json.RawMessage(metadata.String)
	}
	s.Status = SessionStatus(status)
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Session{}, err
	}
	if s.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return Session{}, err
	}
	return s, nil
}
