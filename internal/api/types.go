package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/sessionbus/internal/sessions"
	"github.com/kalambet/sessionbus/internal/storage"
)

// IdempotencyHeader carries the client-chosen key for create and respond.
const IdempotencyHeader = "X-Idempotency-Key"

// ReplayedHeader is set to "true" when a response replays an earlier
// result for the same idempotency key.
const ReplayedHeader = "X-Idempotent-Replayed"

type RegisterSessionRequest struct {
	DisplayName string          `json:"display_name"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type RegisterSessionResponse struct {
	SessionID string `json:"session_id"`
}

// HeartbeatRequest leaves the stored status unchanged when State is empty
// and the stored metadata unchanged when Metadata is absent or null.
type HeartbeatRequest struct {
	State    string          `json:"state,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type SetStateRequest struct {
	State string `json:"state"`
}

type CreateRequestBody struct {
	Title       string          `json:"title"`
	Question    string          `json:"question"`
	ContextJSON json.RawMessage `json:"context_json,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type CreateRequestResponse struct {
	RequestID string `json:"request_id"`
}

type RespondBody struct {
	ResponseText string `json:"response_text"`
	Responder    string `json:"responder,omitempty"`
}

// ResolveResponse is returned by respond and dismiss.
type ResolveResponse struct {
	RequestID string                `json:"request_id"`
	Status    storage.RequestStatus `json:"status"`
}

type PollResponse struct {
	Messages []MessageView `json:"messages"`
}

type AckResponse struct {
	MessageID string                `json:"message_id"`
	Status    storage.MessageStatus `json:"status"`
}

// SessionView is the public form of a session. State is the derived
// public status; StoredState is the raw status.
type SessionView struct {
	SessionID            string                `json:"session_id"`
	DisplayName          string                `json:"display_name"`
	State                storage.SessionStatus `json:"state"`
	StoredState          storage.SessionStatus `json:"stored_state"`
	LastSeenAt           time.Time             `json:"last_seen_at"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
	PendingRequestCount  int                   `json:"pending_request_count"`
	ResponseAcknowledged bool                  `json:"response_acknowledged"`
	TenantID             string                `json:"tenant_id,omitempty"`
	Metadata             json.RawMessage       `json:"metadata,omitempty"`
}

type RequestView struct {
	RequestID    string                `json:"request_id"`
	SessionID    string                `json:"session_id"`
	Title        string                `json:"title"`
	Question     string                `json:"question"`
	ContextJSON  json.RawMessage       `json:"context_json,omitempty"`
	Priority     storage.Priority      `json:"priority"`
	Tags         []string              `json:"tags,omitempty"`
	Status       storage.RequestStatus `json:"status"`
	ResponseText string                `json:"response_text,omitempty"`
	Responder    string                `json:"responder,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	AnsweredAt   *time.Time            `json:"answered_at,omitempty"`
}

type MessageView struct {
	MessageID   string                `json:"message_id"`
	Type        string                `json:"type"`
	Payload     json.RawMessage       `json:"payload"`
	Status      storage.MessageStatus `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	DeliveredAt *time.Time            `json:"delivered_at,omitempty"`
	AckedAt     *time.Time            `json:"acked_at,omitempty"`
}

func sessionView(s sessions.Summary) SessionView {
	return SessionView{
		SessionID:            s.ID,
		DisplayName:          s.DisplayName,
		State:                s.PublicStatus,
		StoredState:          s.Status,
		LastSeenAt:           s.LastSeenAt,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		PendingRequestCount:  s.PendingRequests,
		ResponseAcknowledged: s.ResponseAcknowledged,
		TenantID:             s.TenantID,
		Metadata:             s.Metadata,
	}
}

func sessionViews(list []sessions.Summary) []SessionView {
	out := make([]SessionView, 0, len(list))
	for _, s := range list {
		out = append(out, sessionView(s))
	}
	return out
}

func requestView(r storage.Request) RequestView {
	return RequestView{
		RequestID:    r.ID,
		SessionID:    r.SessionID,
		Title:        r.Title,
		Question:     r.Question,
		ContextJSON:  r.Context,
		Priority:     r.Priority,
		Tags:         r.Tags,
		Status:       r.Status,
		ResponseText: r.ResponseText,
		Responder:    r.Responder,
		CreatedAt:    r.CreatedAt,
		AnsweredAt:   r.ResolvedAt,
	}
}

func requestViews(list []storage.Request) []RequestView {
	out := make([]RequestView, 0, len(list))
	for _, r := range list {
		out = append(out, requestView(r))
	}
	return out
}

func messageView(m storage.Message) MessageView {
	return MessageView{
		MessageID:   m.ID,
		Type:        m.Type,
		Payload:     m.Payload,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
		AckedAt:     m.AckedAt,
	}
}

func messageViews(list []storage.Message) []MessageView {
	out := make([]MessageView, 0, len(list))
	for _, m := range list {
		out = append(out, messageView(m))
	}
	return out
}
