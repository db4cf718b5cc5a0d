package api

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/sessionbus/internal/inbox"
	"github.com/kalambet/sessionbus/internal/requests"
	"github.com/kalambet/sessionbus/internal/sessions"
	"github.com/kalambet/sessionbus/internal/storage"
)

// Hub is the set of operations the MCP tools drive, expressed in the
// wire types of the HTTP API. LocalHub serves them from the services of
// this process; a REST client of an already running hub is the other
// implementation.
//
// Not-found conditions are reported as storage.ErrNotFound or as a
// *ClientError with status 404, validation failures as
// *storage.ValidationError or a *ClientError with status 400.
type Hub interface {
	RegisterSession(ctx context.Context, req RegisterSessionRequest) (RegisterSessionResponse, error)
	Heartbeat(ctx context.Context, sessionID string, req HeartbeatRequest) (SessionView, error)
	SetState(ctx context.Context, sessionID, state string) (SessionView, error)
	ListSessions(ctx context.Context) ([]SessionView, error)
	CreateRequest(ctx context.Context, sessionID string, body CreateRequestBody, idempotencyKey string) (requestID string, replayed bool, err error)
	ListRequests(ctx context.Context, status storage.RequestStatus) ([]RequestView, error)
	GetRequest(ctx context.Context, requestID string) (RequestView, error)
	Respond(ctx context.Context, requestID string, body RespondBody, idempotencyKey string) (ResolveResponse, error)
	Dismiss(ctx context.Context, requestID string) (ResolveResponse, error)
	PollInbox(ctx context.Context, sessionID string, timeout time.Duration) (PollResponse, error)
	AckMessage(ctx context.Context, sessionID, messageID string) (AckResponse, error)
}

// LocalHub implements Hub on in-process services, the same ones the
// HTTP API uses.
type LocalHub struct {
	Registry *sessions.Registry
	Ledger   *requests.Ledger
	Inbox    *inbox.Inbox
}

func (h *LocalHub) RegisterSession(ctx context.Context, req RegisterSessionRequest) (RegisterSessionResponse, error) {
	s, err := h.Registry.Register(ctx, sessions.RegisterParams{
		DisplayName: req.DisplayName,
		TenantID:    req.TenantID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return RegisterSessionResponse{}, err
	}
	return RegisterSessionResponse{SessionID: s.ID}, nil
}

func (h *LocalHub) Heartbeat(ctx context.Context, sessionID string, req HeartbeatRequest) (SessionView, error) {
	s, err := h.Registry.Heartbeat(ctx, sessionID, parseSessionState(req.State), req.Metadata)
	if err != nil {
		return SessionView{}, err
	}
	return sessionView(s), nil
}

func (h *LocalHub) SetState(ctx context.Context, sessionID, state string) (SessionView, error) {
	s, err := h.Registry.SetStatus(ctx, sessionID, parseSessionState(state))
	if err != nil {
		return SessionView{}, err
	}
	return sessionView(s), nil
}

func (h *LocalHub) ListSessions(ctx context.Context) ([]SessionView, error) {
	list, err := h.Registry.List(ctx)
	if err != nil {
		return nil, err
	}
	return sessionViews(list), nil
}

func (h *LocalHub) CreateRequest(ctx context.Context, sessionID string, body CreateRequestBody, idempotencyKey string) (string, bool, error) {
	created, replayed, err := h.Ledger.Create(ctx, requests.CreateParams{
		SessionID:      sessionID,
		Title:          body.Title,
		Question:       body.Question,
		Context:        body.ContextJSON,
		Priority:       body.Priority,
		Tags:           body.Tags,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", false, err
	}
	return created.ID, replayed, nil
}

func (h *LocalHub) ListRequests(ctx context.Context, status storage.RequestStatus) ([]RequestView, error) {
	list, err := h.Ledger.List(ctx, status)
	if err != nil {
		return nil, err
	}
	return requestViews(list), nil
}

func (h *LocalHub) GetRequest(ctx context.Context, requestID string) (RequestView, error) {
	r, err := h.Ledger.Get(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	return requestView(r), nil
}

func (h *LocalHub) Respond(ctx context.Context, requestID string, body RespondBody, idempotencyKey string) (ResolveResponse, error) {
	r, _, err := h.Ledger.Respond(ctx, requests.RespondParams{
		RequestID:      requestID,
		ResponseText:   body.ResponseText,
		Responder:      body.Responder,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return ResolveResponse{}, err
	}
	return ResolveResponse{RequestID: r.ID, Status: r.Status}, nil
}

func (h *LocalHub) Dismiss(ctx context.Context, requestID string) (ResolveResponse, error) {
	r, _, err := h.Ledger.Dismiss(ctx, requestID)
	if err != nil {
		return ResolveResponse{}, err
	}
	return ResolveResponse{RequestID: r.ID, Status: r.Status}, nil
}

func (h *LocalHub) PollInbox(ctx context.Context, sessionID string, timeout time.Duration) (PollResponse, error) {
	msgs, found, err := h.Inbox.Poll(ctx, sessionID, timeout)
	if err != nil {
		return PollResponse{}, err
	}
	if !found {
		return PollResponse{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return PollResponse{Messages: messageViews(msgs)}, nil
}

func (h *LocalHub) AckMessage(ctx context.Context, sessionID, messageID string) (AckResponse, error) {
	m, err := h.Inbox.Ack(ctx, sessionID, messageID)
	if err != nil {
		return AckResponse{}, err
	}
	return AckResponse{MessageID: m.ID, Status: m.Status}, nil
}
