package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, session_id, message_type, payload, status, created_at, delivered_at, acked_at`

// InsertMessage stores a new inbox message.
func (t *Tx) InsertMessage(ctx context.Context, m Message) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO inbox_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Type, string(m.Payload), string(m.Status),
		formatTime(m.CreatedAt), formatNullTime(m.DeliveredAt), formatNullTime(m.AckedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

// UnackedMessages returns the PENDING and DELIVERED messages of a
// session, oldest first.
func (t *Tx) UnackedMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM inbox_messages
		WHERE session_id = ? AND status != 'ACKED'
		ORDER BY created_at ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing messages of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered advances every PENDING message of a session to DELIVERED.
func (t *Tx) MarkDelivered(ctx context.Context, sessionID string, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE inbox_messages SET status = 'DELIVERED', delivered_at = ?
		WHERE session_id = ? AND status = 'PENDING'`,
		formatTime(at), sessionID)
	if err != nil {
		return 0, fmt.Errorf("marking messages of %s delivered: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// GetMessage returns a message owned by sessionID, or ErrNotFound.
func (t *Tx) GetMessage(ctx context.Context, sessionID, id string) (Message, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM inbox_messages WHERE session_id = ? AND id = ?`, sessionID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("getting message %s: %w", id, err)
	}
	return m, nil
}

// AckMessage marks a message ACKED. Messages that are already ACKED keep
// their original ack time.
func (t *Tx) AckMessage(ctx context.Context, sessionID, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE inbox_messages SET status = 'ACKED', acked_at = ?
		WHERE session_id = ? AND id = ? AND status != 'ACKED'`,
		formatTime(at), sessionID, id)
	if err != nil {
		return fmt.Errorf("acking message %s: %w", id, err)
	}
	return nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var payload, status, createdAt string
	var deliveredAt, ackedAt sql.NullString
	if err := row.Scan(&m.ID, &m.SessionID, &m.Type, &payload, &status, &createdAt, &deliveredAt, &ackedAt); err != nil {
		return Message{}, err
	}
	m.Payload = json.RawMessage(payload)
	m.Status = MessageStatus(status)

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return Message{}, err
	}
	if m.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return Message{}, err
	}
	if m.AckedAt, err = parseNullTime(ackedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}
