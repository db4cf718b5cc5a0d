package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected input field. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CheckLen validates that v has between lo and hi characters.
func CheckLen(field, v string, lo, hi int) error {
	n := utf8.RuneCountInString(v)
	switch {
	case n == 0 && lo > 0:
		return Invalid(field, "must not be empty")
	case n < lo:
		return Invalid(field, "must be at least %d characters", lo)
	case n > hi:
		return Invalid(field, "must be at most %d characters", hi)
	}
	return nil
}

// SessionStatus is the status of a session. OFFLINE is derived at read
// time and is never stored.
type SessionStatus string

const (
	SessionWorking         SessionStatus = "WORKING"
	SessionWaitingForInput SessionStatus = "WAITING_FOR_INPUT"
	SessionDone            SessionStatus = "DONE"
	SessionError           SessionStatus = "ERROR"
	SessionOffline         SessionStatus = "OFFLINE"
)

// ParseSessionStatus parses a raw (storable) session status.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch st := SessionStatus(s); st {
	case SessionWorking, SessionWaitingForInput, SessionDone, SessionError:
		return st, nil
	case SessionOffline:
		return "", Invalid("status", "%s is derived and cannot be set", s)
	default:
		return "", Invalid("status", "unknown session status %q", s)
	}
}

// Priority orders pending requests for the human operator.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority parses a request priority. The empty string means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", Invalid("priority", "unknown priority %q", s)
	}
}

// Rank returns the sort rank of p; lower ranks are shown first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// RequestStatus is the lifecycle state of an input request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestAnswered  RequestStatus = "ANSWERED"
	RequestDismissed RequestStatus = "DISMISSED"
)

// ParseRequestStatus parses a request status filter value.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestPending, RequestAnswered, RequestDismissed:
		return st, nil
	default:
		return "", Invalid("status", "unknown request status %q", s)
	}
}

// Resolved reports whether the request has left PENDING.
func (s RequestStatus) Resolved() bool {
	return s == RequestAnswered || s == RequestDismissed
}

// MessageStatus is the delivery state of an inbox message. It only
// advances PENDING -> DELIVERED -> ACKED.
type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageAcked     MessageStatus = "ACKED"
)

// MessageTypeInputResponse is the inbox message type produced when a
// request is answered.
const MessageTypeInputResponse = "INPUT_RESPONSE"

type Session struct {
	ID          string
	DisplayName string
	TenantID    string          // empty when untagged
	Metadata    json.RawMessage // nil when unset
	Status      SessionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastSeenAt  time.Time
}

// SessionStats is a session row joined with its request and inbox
// aggregates.
type SessionStats struct {
	Session
	PendingRequests int
	// LatestResponseStatus is the status of the most recently created
	// INPUT_RESPONSE message, or empty if the session has none.
	LatestResponseStatus MessageStatus
}

type Request struct {
	ID           string
	SessionID    string
	Title        string
	Question     string
	Context      json.RawMessage // passed through unmodified
	Priority     Priority
	Tags         []string
	Status       RequestStatus
	ResponseText string
	Responder    string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

type Message struct {
	ID          string
	SessionID   string
	Type        string
	Payload     json.RawMessage
	Status      MessageStatus
	CreatedAt   time.Time
	DeliveredAt *time.Time
	AckedAt     *time.Time
}

type IdempotencyRecord struct {
	Scope        string
	Key          string
	ResourceType string
	ResourceID   string
	CreatedAt    time.Time
}
