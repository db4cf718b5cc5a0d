package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/sessionbus/internal/events"
	"github.com/kalambet/sessionbus/internal/inbox"
	"github.com/kalambet/sessionbus/internal/requests"
	"github.com/kalambet/sessionbus/internal/sessions"
)

// DefaultPingInterval is the keepalive period of event streams.
const DefaultPingInterval = 15 * time.Second

// defaultPollTimeout is the inbox wait, in seconds, when the caller
// does not pass one.
const defaultPollTimeout = 30

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the services behind the HTTP API.
type Deps struct {
	Registry *sessions.Registry
	Ledger   *requests.Ledger
	Inbox    *inbox.Inbox
	Events   *events.Broadcaster
	Health   Pinger // optional

	// PingInterval overrides DefaultPingInterval for event streams.
	PingInterval time.Duration
	Logger       *slog.Logger
}

func (d Deps) pingInterval() time.Duration {
	if d.PingInterval > 0 {
		return d.PingInterval
	}
	return DefaultPingInterval
}

// NewRouter builds the HTTP handler serving health, metrics and the /api
// surface.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-Id", ReplayedHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/register", handleRegisterSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handlePurgeSession(deps))
		r.Post("/sessions/{id}/heartbeat", handleHeartbeat(deps))
		r.Post("/sessions/{id}/state", handleSetState(deps))
		r.Post("/sessions/{id}/requests", handleCreateRequest(deps))
		r.Get("/sessions/{id}/inbox", handlePollInbox(deps))
		r.Post("/sessions/{id}/inbox/{message_id}/ack", handleAckMessage(deps))

		r.Get("/requests", handleListRequests(deps))
		r.Get("/requests/{id}", handleGetRequest(deps))
		r.Post("/requests/{id}/respond", handleRespond(deps))
		r.Post("/requests/{id}/dismiss", handleDismiss(deps))

		r.Get("/events", handleEventStream(deps))
		r.Get("/events/ws", handleEventSocket(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Ping(r.Context()); err != nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
				return
			}
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}
