package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kalambet/sessionbus/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// ClientError is the error envelope of a failed API call, as seen by a
// client of a running hub.
type ClientError struct {
	Status  int
	Type    string
	Message string
}

func (e *ClientError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Type)
}

// ParseClientError decodes an error response body. Bodies that are not
// an error envelope are kept verbatim as the message.
func ParseClientError(status int, body []byte) *ClientError {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return &ClientError{Status: status, Type: env.Error.Type, Message: env.Error.Message}
	}
	return &ClientError{Status: status, Message: strings.TrimSpace(string(body))}
}

// serviceError maps a service error onto the HTTP error envelope.
// entity names the thing that was looked up, e.g. "session".
func serviceError(w http.ResponseWriter, r *http.Request, err error, entity string) {
	var verr *storage.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", entity)
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched. It writes the error response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// parseIntParam reads an integer query parameter clamped to [0, maxVal].
// A missing parameter yields defaultVal; a non-integer is an error.
func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, s)
	}
	if v < 0 {
		return 0, nil
	}
	if maxVal > 0 && v > maxVal {
		return maxVal, nil
	}
	return v, nil
}
