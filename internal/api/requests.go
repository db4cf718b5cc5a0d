package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sessionbus/internal/requests"
	"github.com/kalambet/sessionbus/internal/storage"
)

func handleCreateRequest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequestBody
		if !decodeBody(w, r, &req) {
			return
		}

		created, replayed, err := deps.Ledger.Create(r.Context(), requests.CreateParams{
			SessionID:      chi.URLParam(r, "id"),
			Title:          req.Title,
			Question:       req.Question,
			Context:        req.ContextJSON,
			Priority:       req.Priority,
			Tags:           req.Tags,
			IdempotencyKey: r.Header.Get(IdempotencyHeader),
		})
		if err != nil {
			serviceError(w, r, err, "session")
			return
		}
		if replayed {
			w.Header().Set(ReplayedHeader, "true")
		}
		writeJSON(w, CreateRequestResponse{RequestID: created.ID})
	}
}

func handleListRequests(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status storage.RequestStatus
		if s := r.URL.Query().Get("status"); s != "" {
			var err error
			status, err = storage.ParseRequestStatus(strings.ToUpper(s))
			if err != nil {
				serviceError(w, r, err, "request")
				return
			}
		}

		list, err := deps.Ledger.List(r.Context(), status)
		if err != nil {
			serviceError(w, r, err, "request")
			return
		}
		writeJSON(w, requestViews(list))
	}
}

func handleGetRequest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, err, "request")
			return
		}
		writeJSON(w, requestView(req))
	}
}

func handleRespond(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RespondBody
		if !decodeBody(w, r, &body) {
			return
		}

		req, replayed, err := deps.Ledger.Respond(r.Context(), requests.RespondParams{
			RequestID:      chi.URLParam(r, "id"),
			ResponseText:   body.ResponseText,
			Responder:      body.Responder,
			IdempotencyKey: r.Header.Get(IdempotencyHeader),
		})
		if err != nil {
			serviceError(w, r, err, "request")
			return
		}
		if replayed {
			w.Header().Set(ReplayedHeader, "true")
		}
		writeJSON(w, ResolveResponse{RequestID: req.ID, Status: req.Status})
	}
}

func handleDismiss(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, _, err := deps.Ledger.Dismiss(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, r, err, "request")
			return
		}
		writeJSON(w, ResolveResponse{RequestID: req.ID, Status: req.Status})
	}
}
