package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sessionbus/internal/sessions"
	"github.com/kalambet/sessionbus/internal/storage"
)

func handleRegisterSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterSessionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		s, err := deps.Registry.Register(r.Context(), sessions.RegisterParams{
			DisplayName: req.DisplayName,
			TenantID:    req.TenantID,
			Metadata:    req.Metadata,
		})
		if err != nil {
			serviceError(w, r, err, "session")
			return
		}
		writeJSON(w, RegisterSessionResponse{SessionID: s.ID})
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Registry.List(r.Context())
		if err != nil {
			serviceError(w, r, err, "session")
			return
		}
		writeJSON(w, sessionViews(list))
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Registry.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, err, "session")
			return
		}
		writeJSON(w, sessionView(s))
	}
}

func handlePurgeSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Registry.Purge(r.Context(), id); err != nil {
			serviceError(w, r, err, "session")
			return
		}
		writeJSON(w, map[string]string{"session_id": id, "status": "deleted"})
	}
}

func handleHeartbeat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HeartbeatRequest
		if !decodeBody(w, r, &req) {
			return
		}

		s, err := deps.Registry.Heartbeat(r.Context(), chi.URLParam(r, "id"), parseSessionState(req.State), req.Metadata)
		if err != nil {
			serviceError(w, r, err, "session")
			return
		}
		writeJSON(w, sessionView(s))
	}
}

func handleSetState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SetStateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.State) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "state is required")
			return
		}

		s, err := deps.Registry.SetStatus(r.Context(), chi.URLParam(r, "id"), parseSessionState(req.State))
		if err != nil {
			serviceError(w, r, err, "session")
			return
		}
		writeJSON(w, sessionView(s))
	}
}

// parseSessionState trims and upper-cases a client-supplied state.
func parseSessionState(s string) storage.SessionStatus {
	return storage.SessionStatus(strings.ToUpper(strings.TrimSpace(s)))
}
