package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	sseRetryMillis  = 3000
	wsWriteTimeout  = 10 * time.Second
	wsCloseReasonOK = "stream ended"
)

// handleEventStream streams broadcaster envelopes as server-sent events.
// Each envelope is one "data:" frame; an "event: ping" frame is sent
// whenever the stream has been idle for the ping interval.
func handleEventStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sub := deps.Events.Subscribe(r.Context())
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(deps.pingInterval())
		defer ticker.Stop()

		for {
			select {
			case <-sub.Done():
				return
			case data := <-sub.Events():
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					deps.Logger.Debug("event stream write failed", "error", err)
					return
				}
				ticker.Reset(deps.pingInterval())
			case <-ticker.C:
				if _, err := io.WriteString(w, "event: ping\ndata: {}\n\n"); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

// handleEventSocket streams the same envelopes over a WebSocket, one text
// message per event. Client messages are ignored.
func handleEventSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			deps.Logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer func() {
			if closeErr := ws.Close(websocket.StatusNormalClosure, wsCloseReasonOK); closeErr != nil {
				deps.Logger.Debug("websocket close failed", "error", closeErr)
			}
		}()

		// CloseRead keeps reading control frames and cancels ctx when the
		// peer goes away.
		ctx := ws.CloseRead(r.Context())
		sub := deps.Events.Subscribe(ctx)
		defer sub.Close()

		ticker := time.NewTicker(deps.pingInterval())
		defer ticker.Stop()

		for {
			select {
			case <-sub.Done():
				return
			case data := <-sub.Events():
				if err := wsWrite(ctx, ws, data); err != nil {
					deps.Logger.Debug("websocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := ws.Ping(pingCtx)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func wsWrite(ctx context.Context, ws *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
