// Package notify raises best-effort desktop notifications for new input
// requests.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"

	"github.com/kalambet/sessionbus/internal/metrics"
	"github.com/kalambet/sessionbus/internal/storage"
)

const appName = "sessionbus"

// Notifier announces a new pending request to the human operator.
type Notifier interface {
	NotifyPending(ctx context.Context, r storage.Request)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyPending(context.Context, storage.Request) {}

// Desktop raises native notifications through beeep, which drives
// osascript on macOS, D-Bus on Linux and toast on Windows.
type Desktop struct {
	send   func(title, message string) error
	logger *slog.Logger
}

// NewDesktop returns a Desktop notifier for the running platform.
func NewDesktop() *Desktop {
	return &Desktop{
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		logger: slog.Default(),
	}
}

// NotifyPending never fails or blocks the caller; delivery runs in the
// background and errors are logged and counted.
func (d *Desktop) NotifyPending(_ context.Context, r storage.Request) {
	title, body := Format(r)
	go d.deliver(r.ID, appName+": "+title, body)
}

func (d *Desktop) deliver(requestID, title, body string) {
	if err := d.send(title, body); err != nil {
		metrics.NotificationFailures.Inc()
		d.logger.Debug("desktop notification failed", "request_id", requestID, "error", err)
	}
}

// Format returns the notification title and body for r. The body leads
// with "<priority> | <session_id>".
func Format(r storage.Request) (title, body string) {
	title = truncate(compact(r.Title), 80)
	if title == "" {
		title = "Input Request"
	}
	subtitle := truncate(fmt.Sprintf("%s | %s", r.Priority, r.SessionID), 120)
	question := truncate(compact(r.Question), 220)
	if question == "" {
		question = "A request is waiting for your response."
	}
	body = fmt.Sprintf("%s\n%s\nRequest: %s", subtitle, question, truncate(r.ID, 40))
	return title, body
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
