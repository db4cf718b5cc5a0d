// Package requests owns the lifecycle of human input requests.
package requests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kalambet/sessionbus/internal/events"
	"github.com/kalambet/sessionbus/internal/idempotency"
	"github.com/kalambet/sessionbus/internal/inbox"
	"github.com/kalambet/sessionbus/internal/metrics"
	"github.com/kalambet/sessionbus/internal/notify"
	"github.com/kalambet/sessionbus/internal/storage"
)

const (
	maxTitleLen     = 255
	maxResponderLen = 255
	maxTags         = 32
	maxTagLen       = 64

	// DefaultResponder labels answers that do not name a responder.
	DefaultResponder = "human"
)

// Publisher is the part of the event broadcaster the ledger needs.
type Publisher interface {
	Publish(event string, payload any)
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	SessionID      string
	Title          string
	Question       string
	Context        json.RawMessage
	Priority       string // empty means NORMAL
	Tags           []string
	IdempotencyKey string
}

// RespondParams are the inputs to Respond.
type RespondParams struct {
	RequestID      string
	ResponseText   string
	Responder      string // empty means DefaultResponder
	IdempotencyKey string
}

// ResponsePayload is the payload of the INPUT_RESPONSE inbox message.
type ResponsePayload struct {
	RequestID    string    `json:"request_id"`
	ResponseText string    `json:"response_text"`
	Responder    string    `json:"responder"`
	AnsweredAt   time.Time `json:"answered_at"`
}

// KeyGuard checks and records idempotency keys inside the caller's
// transaction. *idempotency.Guard is the implementation.
type KeyGuard interface {
	Check(ctx context.Context, tx *storage.Tx, scope, key string) (*storage.IdempotencyRecord, error)
	Record(ctx context.Context, tx *storage.Tx, scope, key, resourceType, resourceID string) error
}

// Deps wires a Ledger to the components it coordinates.
type Deps struct {
	Store    *storage.Store
	Clock    clockwork.Clock
	Guard    KeyGuard // nil means idempotency.New(Clock)
	Inbox    *inbox.Inbox
	Events   Publisher
	Notifier notify.Notifier
}

// Ledger creates, lists and resolves input requests. Every state change
// runs in one transaction together with the session update, the
// idempotency record and the inbox message it implies.
type Ledger struct {
	store    *storage.Store
	clock    clockwork.Clock
	guard    KeyGuard
	inbox    *inbox.Inbox
	events   Publisher
	notifier notify.Notifier
	logger   *slog.Logger
}

func New(d Deps) *Ledger {
	l := &Ledger{
		store:    d.Store,
		clock:    d.Clock,
		guard:    d.Guard,
		inbox:    d.Inbox,
		events:   d.Events,
		notifier: d.Notifier,
		logger:   slog.Default(),
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	if l.guard == nil {
		l.guard = idempotency.New(l.clock)
	}
	if l.notifier == nil {
		l.notifier = notify.Nop{}
	}
	return l
}

// Create opens a PENDING request on a session and moves the session to
// WAITING_FOR_INPUT. A repeated idempotency key returns the original
// request with replayed set.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (req storage.Request, replayed bool, err error) {
	draft, err := l.validateCreate(&p)
	if err != nil {
		return storage.Request{}, false, err
	}

	req, replayed, err = l.create(ctx, p, draft)
	if errors.Is(err, idempotency.ErrConflict) {
		// Another create with the same key committed first; this run
		// replays it.
		req, replayed, err = l.create(ctx, p, draft)
	}
	if err != nil {
		return storage.Request{}, false, err
	}

	if replayed {
		metrics.IdempotentReplays.WithLabelValues(idempotency.OpCreate).Inc()
		return req, true, nil
	}

	metrics.RequestsCreated.WithLabelValues(string(req.Priority)).Inc()
	l.logger.Info("request created", "request_id", req.ID, "session_id", req.SessionID, "priority", req.Priority)
	l.publish(events.RequestCreated, map[string]string{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"priority":   string(req.Priority),
	})
	l.notifier.NotifyPending(ctx, req)
	return req, false, nil
}

func (l *Ledger) validateCreate(p *CreateParams) (storage.Request, error) {
	title := strings.TrimSpace(p.Title)
	if err := storage.CheckLen("title", title, 1, maxTitleLen); err != nil {
		return storage.Request{}, err
	}
	if strings.TrimSpace(p.Question) == "" {
		return storage.Request{}, storage.Invalid("question", "must not be empty")
	}
	priority, err := storage.ParsePriority(strings.ToUpper(strings.TrimSpace(p.Priority)))
	if err != nil {
		return storage.Request{}, err
	}
	if len(p.Tags) > maxTags {
		return storage.Request{}, storage.Invalid("tags", "at most %d tags allowed", maxTags)
	}
	for _, tag := range p.Tags {
		if err := storage.CheckLen("tags", tag, 1, maxTagLen); err != nil {
			return storage.Request{}, err
		}
	}
	reqCtx, err := normalizeJSON("context", p.Context)
	if err != nil {
		return storage.Request{}, err
	}
	if err := idempotency.ValidateKey(p.IdempotencyKey); err != nil {
		return storage.Request{}, err
	}

	return storage.Request{
		SessionID: p.SessionID,
		Title:     title,
		Question:  p.Question,
		Context:   reqCtx,
		Priority:  priority,
		Tags:      p.Tags,
		Status:    storage.RequestPending,
	}, nil
}

func (l *Ledger) create(ctx context.Context, p CreateParams, draft storage.Request) (storage.Request, bool, error) {
	scope := idempotency.Scope(idempotency.OpCreate, p.SessionID)
	var req storage.Request
	replayed := false

	err := l.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetSession(ctx, p.SessionID); err != nil {
			return err
		}

		rec, err := l.guard.Check(ctx, tx, scope, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			req, err = tx.GetRequest(ctx, rec.ResourceID)
			replayed = err == nil
			return err
		}

		now := l.clock.Now()
		req = draft
		req.ID = uuid.NewString()
		req.CreatedAt = now
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.TouchSession(ctx, req.SessionID, storage.SessionUpdate{Status: storage.SessionWaitingForInput}, now); err != nil {
			return err
		}
		return l.guard.Record(ctx, tx, scope, p.IdempotencyKey, storage.ResourceInputRequest, req.ID)
	})
	if err != nil {
		return storage.Request{}, false, fmt.Errorf("creating request: %w", err)
	}
	return req, replayed, nil
}

// Get returns one request.
func (l *Ledger) Get(ctx context.Context, id string) (storage.Request, error) {
	var req storage.Request
	err := l.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, id)
		return err
	})
	return req, err
}

// List returns requests with the given status, or all of them when
// status is empty. PENDING listings put the most urgent, oldest request
// first; all other listings are newest first.
func (l *Ledger) List(ctx context.Context, status storage.RequestStatus) ([]storage.Request, error) {
	var out []storage.Request
	err := l.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.ListRequests(ctx, status)
		return err
	})
	return out, err
}

// Respond answers a PENDING request, returns its session to WORKING and
// enqueues an INPUT_RESPONSE message. Answering a request that is
// already resolved returns it unchanged.
func (l *Ledger) Respond(ctx context.Context, p RespondParams) (req storage.Request, replayed bool, err error) {
	if strings.TrimSpace(p.ResponseText) == "" {
		return storage.Request{}, false, storage.Invalid("response_text", "must not be empty")
	}
	p.Responder = strings.TrimSpace(p.Responder)
	if p.Responder == "" {
		p.Responder = DefaultResponder
	}
	if err := storage.CheckLen("responder", p.Responder, 1, maxResponderLen); err != nil {
		return storage.Request{}, false, err
	}
	if err := idempotency.ValidateKey(p.IdempotencyKey); err != nil {
		return storage.Request{}, false, err
	}

	req, replayed, err = l.respond(ctx, p)
	if errors.Is(err, idempotency.ErrConflict) {
		req, replayed, err = l.respond(ctx, p)
	}
	if err != nil {
		return storage.Request{}, false, err
	}

	if replayed {
		metrics.IdempotentReplays.WithLabelValues(idempotency.OpRespond).Inc()
		return req, true, nil
	}

	l.inbox.Wake(req.SessionID)
	metrics.RequestsResolved.WithLabelValues(string(storage.RequestAnswered)).Inc()
	l.logger.Info("request answered", "request_id", req.ID, "session_id", req.SessionID, "responder", req.Responder)
	l.publish(events.RequestAnswered, map[string]string{
		"request_id": req.ID,
		"session_id": req.SessionID,
	})
	return req, false, nil
}

func (l *Ledger) respond(ctx context.Context, p RespondParams) (storage.Request, bool, error) {
	scope := idempotency.Scope(idempotency.OpRespond, p.RequestID)
	var req storage.Request
	replayed := false

	err := l.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, p.RequestID)
		if err != nil {
			return err
		}

		rec, err := l.guard.Check(ctx, tx, scope, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			req, err = tx.GetRequest(ctx, rec.ResourceID)
			replayed = err == nil
			return err
		}
		if req.Status.Resolved() {
			replayed = true
			return nil
		}

		now := l.clock.Now()
		if _, err := tx.ResolveRequest(ctx, req.ID, storage.Resolution{
			Status:       storage.RequestAnswered,
			ResponseText: p.ResponseText,
			Responder:    p.Responder,
			At:           now,
		}); err != nil {
			return err
		}
		if err := tx.TouchSession(ctx, req.SessionID, storage.SessionUpdate{Status: storage.SessionWorking}, now); err != nil {
			return err
		}
		if _, err := l.inbox.EnqueueTx(ctx, tx, req.SessionID, storage.MessageTypeInputResponse, ResponsePayload{
			RequestID:    req.ID,
			ResponseText: p.ResponseText,
			Responder:    p.Responder,
			AnsweredAt:   now.UTC(),
		}); err != nil {
			return err
		}
		if err := l.guard.Record(ctx, tx, scope, p.IdempotencyKey, storage.ResourceInputRequest, req.ID); err != nil {
			return err
		}

		req.Status = storage.RequestAnswered
		req.ResponseText = p.ResponseText
		req.Responder = p.Responder
		req.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return storage.Request{}, false, fmt.Errorf("responding to request %s: %w", p.RequestID, err)
	}
	return req, replayed, nil
}

// Dismiss resolves a PENDING request without answering it. No inbox
// message is produced. The session returns to WORKING only when no other
// request of it is still pending. changed is false when the request was
// already resolved.
func (l *Ledger) Dismiss(ctx context.Context, id string) (req storage.Request, changed bool, err error) {
	err = l.store.InTx(ctx, func(tx *storage.Tx) error {
		req, err = tx.GetRequest(ctx, id)
		if err != nil || req.Status.Resolved() {
			return err
		}

		now := l.clock.Now()
		if _, err := tx.ResolveRequest(ctx, id, storage.Resolution{Status: storage.RequestDismissed, At: now}); err != nil {
			return err
		}
		pending, err := tx.CountPending(ctx, req.SessionID)
		if err != nil {
			return err
		}
		var u storage.SessionUpdate
		if pending == 0 {
			u.Status = storage.SessionWorking
		}
		if err := tx.TouchSession(ctx, req.SessionID, u, now); err != nil {
			return err
		}

		req.Status = storage.RequestDismissed
		req.ResolvedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return storage.Request{}, false, fmt.Errorf("dismissing request %s: %w", id, err)
	}

	if changed {
		metrics.RequestsResolved.WithLabelValues(string(storage.RequestDismissed)).Inc()
		l.logger.Info("request dismissed", "request_id", req.ID, "session_id", req.SessionID)
		l.publish(events.RequestDismissed, map[string]string{
			"request_id": req.ID,
			"session_id": req.SessionID,
		})
	}
	return req, changed, nil
}

func (l *Ledger) publish(event string, payload any) {
	if l.events == nil {
		return
	}
	l.events.Publish(event, payload)
}

// normalizeJSON checks that raw is valid JSON. JSON null and an empty
// value both mean "not given".
func normalizeJSON(field string, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, storage.Invalid(field, "must be valid JSON")
	}
	return json.RawMessage(trimmed), nil
}
