package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ResourceInputRequest is the idempotency resource type for requests.
const ResourceInputRequest = "input_request"

const requestColumns = `id, session_id, title, question, context, priority, tags, status, response_text, responder, created_at, resolved_at`

// priorityRank mirrors Priority.Rank in SQL.
const priorityRank = `CASE priority
	WHEN 'URGENT' THEN 0
	WHEN 'HIGH' THEN 1
	WHEN 'NORMAL' THEN 2
	WHEN 'LOW' THEN 3
	ELSE 4 END`

// InsertRequest stores a new input request.
func (t *Tx) InsertRequest(ctx context.Context, r Request) error {
	var tags sql.NullString
	if len(r.Tags) > 0 {
		b, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("encoding tags: %w", err)
		}
		tags = sql.NullString{String: string(b), Valid: true}
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO input_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Title, r.Question, nullString(string(r.Context)), string(r.Priority), tags,
		string(r.Status), nullString(r.ResponseText), nullString(r.Responder),
		formatTime(r.CreatedAt), formatNullTime(r.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", r.ID, err)
	}
	return nil
}

// GetRequest returns the request with the given id, or ErrNotFound.
func (t *Tx) GetRequest(ctx context.Context, id string) (Request, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM input_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Request{}, fmt.Errorf("getting request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns requests filtered by status; an empty status
// returns all of them. PENDING listings are ordered by priority rank then
// oldest first. Every other listing is newest first.
func (t *Tx) ListRequests(ctx context.Context, status RequestStatus) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM input_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	if status == RequestPending {
		query += ` ORDER BY ` + priorityRank + `, created_at ASC, seq ASC`
	} else {
		query += ` ORDER BY created_at DESC, seq DESC`
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Resolution is the terminal state written by ResolveRequest.
type Resolution struct {
	Status       RequestStatus // ANSWERED or DISMISSED
	ResponseText string
	Responder    string
	At           time.Time
}

// ResolveRequest moves a PENDING request to res.Status. It reports false
// if the request exists but was already resolved, and ErrNotFound if it
// does not exist.
func (t *Tx) ResolveRequest(ctx context.Context, id string, res Resolution) (bool, error) {
	if !res.Status.Resolved() {
		return false, Invalid("status", "%s is not a terminal request status", res.Status)
	}
	result, err := t.tx.ExecContext(ctx,
		`UPDATE input_requests SET status = ?, response_text = ?, responder = ?, resolved_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		string(res.Status), nullString(res.ResponseText), nullString(res.Responder), formatTime(res.At), id,
	)
	if err != nil {
		return false, fmt.Errorf("resolving request %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolving request %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := t.GetRequest(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CountPending returns the number of PENDING requests owned by a session.
func (t *Tx) CountPending(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM input_requests WHERE session_id = ? AND status = 'PENDING'`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending requests of %s: %w", sessionID, err)
	}
	return n, nil
}

func scanRequest(row rowScanner) (Request, error) {
	var r Request
	var reqCtx, tags, responseText, responder, resolvedAt sql.NullString
	var priority, status, createdAt string
	if err := row.Scan(&r.ID, &r.SessionID, &r.Title, &r.Question, &reqCtx, &priority, &tags, &status,
		&responseText, &responder, &createdAt, &resolvedAt); err != nil {
		return Request{}, err
	}

	if reqCtx.Valid {
		r.Context = json.RawMessage(reqCtx.String)
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return Request{}, fmt.Errorf("decoding tags of %s: %w", r.ID, err)
		}
	}
	r.Priority = Priority(priority)
	r.Status = RequestStatus(status)
	r.ResponseText = responseText.String
	r.Responder = responder.String

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Request{}, err
	}
	if r.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return Request{}, err
	}
	return r, nil
}
