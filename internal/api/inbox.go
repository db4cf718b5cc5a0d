package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sessionbus/internal/inbox"
)

func handlePollInbox(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timeout, err := parseIntParam(r, "timeout", defaultPollTimeout, int(inbox.MaxPollTimeout/time.Second))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		msgs, found, err := deps.Inbox.Poll(r.Context(), chi.URLParam(r, "id"), time.Duration(timeout)*time.Second)
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; nobody is reading the response.
				return
			}
			serviceError(w, r, err, "session")
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeJSON(w, PollResponse{Messages: messageViews(msgs)})
	}
}

func handleAckMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Inbox.Ack(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "message_id"))
		if err != nil {
			serviceError(w, r, err, "message")
			return
		}
		writeJSON(w, AckResponse{MessageID: m.ID, Status: m.Status})
	}
}
