package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sessionbus/internal/inbox"
	"github.com/kalambet/sessionbus/internal/storage"
)

// RuntimeURI is the MCP resource describing the running hub.
const RuntimeURI = "sessionbus://runtime"

// MCPDeps holds dependencies for the MCP server. Hub is either the
// in-process LocalHub or a client of a hub running elsewhere.
type MCPDeps struct {
	Hub       Hub
	BaseURL   string
	StartedAt time.Time
}

// HubStatus is the result of the hub_status tool.
type HubStatus struct {
	BaseURL             string `json:"base_url"`
	SessionCount        int    `json:"session_count"`
	PendingRequestCount int    `json:"pending_request_count"`
}

// NewMCPServer creates an MCP server with all sessionbus tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sessionbus",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("sessionbus lets agent sessions ask a human for input and wait for the answer in their inbox."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("hub_status",
			mcp.WithDescription("Return the hub base URL together with session and pending request counts."),
		),
		mcpHubStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("register_session",
			mcp.WithDescription("Register a new agent session."),
			mcp.WithString("display_name", mcp.Description("Human readable session name"), mcp.Required()),
			mcp.WithString("tenant_id", mcp.Description("Optional tenant tag")),
			mcp.WithObject("metadata", mcp.Description("Optional free-form metadata object")),
		),
		mcpRegisterSession(deps),
	)

	s.AddTool(
		mcp.NewTool("heartbeat_session",
			mcp.WithDescription("Send a heartbeat with an optional status and metadata update."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithString("state", mcp.Description("Optional status: WORKING, WAITING_FOR_INPUT, DONE or ERROR")),
			mcp.WithObject("metadata", mcp.Description("Optional metadata object replacing the stored one")),
		),
		mcpHeartbeat(deps),
	)

	s.AddTool(
		mcp.NewTool("set_session_state",
			mcp.WithDescription("Set the stored status of a session (WORKING, WAITING_FOR_INPUT, DONE, ERROR)."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithString("state", mcp.Description("New status"), mcp.Required()),
		),
		mcpSetSessionState(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List sessions with public status and pending request counts."),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("create_input_request",
			mcp.WithDescription("Ask a human for input. The session moves to WAITING_FOR_INPUT until the request is answered or dismissed."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Short title"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question for the human"), mcp.Required()),
			mcp.WithObject("context_json", mcp.Description("Optional structured context")),
			mcp.WithString("priority", mcp.Description("LOW, NORMAL (default), HIGH or URGENT")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
			mcp.WithString("idempotency_key", mcp.Description("Optional key; repeating it returns the original request")),
		),
		mcpCreateRequest(deps),
	)

	s.AddTool(
		mcp.NewTool("list_requests",
			mcp.WithDescription("List input requests by status (default PENDING, ALL for every status)."),
			mcp.WithString("status", mcp.Description("PENDING, ANSWERED, DISMISSED or ALL")),
		),
		mcpListRequests(deps),
	)

	s.AddTool(
		mcp.NewTool("get_request",
			mcp.WithDescription("Get an input request by id."),
			mcp.WithString("request_id", mcp.Description("Request id"), mcp.Required()),
		),
		mcpGetRequest(deps),
	)

	s.AddTool(
		mcp.NewTool("respond_to_request",
			mcp.WithDescription("Answer a pending request and deliver the answer to the session inbox."),
			mcp.WithString("request_id", mcp.Description("Request id"), mcp.Required()),
			mcp.WithString("response_text", mcp.Description("The answer"), mcp.Required()),
			mcp.WithString("responder", mcp.Description("Who answered (default human)")),
			mcp.WithString("idempotency_key", mcp.Description("Optional key; repeating it returns the original result")),
		),
		mcpRespond(deps),
	)

	s.AddTool(
		mcp.NewTool("dismiss_request",
			mcp.WithDescription("Dismiss a pending request without answering it."),
			mcp.WithString("request_id", mcp.Description("Request id"), mcp.Required()),
		),
		mcpDismiss(deps),
	)

	s.AddTool(
		mcp.NewTool("poll_inbox",
			mcp.WithDescription("Wait for inbox messages of a session and return every unacknowledged one."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithNumber("timeout", mcp.Description("Seconds to wait, 0 to 120 (default 30)")),
		),
		mcpPollInbox(deps),
	)

	s.AddTool(
		mcp.NewTool("ack_inbox_message",
			mcp.WithDescription("Acknowledge an inbox message so it no longer appears in poll results."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithString("message_id", mcp.Description("Message id"), mcp.Required()),
		),
		mcpAckMessage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			RuntimeURI,
			"Hub Runtime",
			mcp.WithResourceDescription("Connection information of the running hub"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRuntime(deps),
	)

	return s
}

func mcpHubStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Hub.ListSessions(ctx)
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		pending, err := deps.Hub.ListRequests(ctx, storage.RequestPending)
		if err != nil {
			return mcpFailure(err, "request"), nil
		}
		return mcpJSON(HubStatus{
			BaseURL:             deps.BaseURL,
			SessionCount:        len(list),
			PendingRequestCount: len(pending),
		}), nil
	}
}

func mcpRegisterSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("display_name")
		if err != nil {
			return mcpError("display_name is required"), nil
		}
		meta, err := rawArgument(req, "metadata")
		if err != nil {
			return mcpError(err.Error()), nil
		}

		resp, err := deps.Hub.RegisterSession(ctx, RegisterSessionRequest{
			DisplayName: name,
			TenantID:    req.GetString("tenant_id", ""),
			Metadata:    meta,
		})
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpHeartbeat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		meta, err := rawArgument(req, "metadata")
		if err != nil {
			return mcpError(err.Error()), nil
		}

		s, err := deps.Hub.Heartbeat(ctx, id, HeartbeatRequest{
			State:    strings.ToUpper(strings.TrimSpace(req.GetString("state", ""))),
			Metadata: meta,
		})
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		return mcpJSON(s), nil
	}
}

func mcpSetSessionState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		state, err := req.RequireString("state")
		if err != nil || strings.TrimSpace(state) == "" {
			return mcpError("state is required"), nil
		}

		s, err := deps.Hub.SetState(ctx, id, strings.ToUpper(strings.TrimSpace(state)))
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		return mcpJSON(s), nil
	}
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Hub.ListSessions(ctx)
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		return mcpJSON(list), nil
	}
}

func mcpCreateRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		reqCtx, err := rawArgument(req, "context_json")
		if err != nil {
			return mcpError(err.Error()), nil
		}

		id, replayed, err := deps.Hub.CreateRequest(ctx, sessionID, CreateRequestBody{
			Title:       title,
			Question:    question,
			ContextJSON: reqCtx,
			Priority:    req.GetString("priority", ""),
			Tags:        req.GetStringSlice("tags", nil),
		}, req.GetString("idempotency_key", ""))
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		return mcpJSON(map[string]any{"request_id": id, "replayed": replayed}), nil
	}
}

func mcpListRequests(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var status storage.RequestStatus
		switch raw := strings.ToUpper(req.GetString("status", string(storage.RequestPending))); raw {
		case "", "ALL":
		default:
			var err error
			if status, err = storage.ParseRequestStatus(raw); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		list, err := deps.Hub.ListRequests(ctx, status)
		if err != nil {
			return mcpFailure(err, "request"), nil
		}
		return mcpJSON(list), nil
	}
}

func mcpGetRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		r, err := deps.Hub.GetRequest(ctx, id)
		if err != nil {
			return mcpFailure(err, "request"), nil
		}
		return mcpJSON(r), nil
	}
}

func mcpRespond(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		text, err := req.RequireString("response_text")
		if err != nil {
			return mcpError("response_text is required"), nil
		}

		resp, err := deps.Hub.Respond(ctx, id, RespondBody{
			ResponseText: text,
			Responder:    req.GetString("responder", ""),
		}, req.GetString("idempotency_key", ""))
		if err != nil {
			return mcpFailure(err, "request"), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpDismiss(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		resp, err := deps.Hub.Dismiss(ctx, id)
		if err != nil {
			return mcpFailure(err, "request"), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpPollInbox(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		timeout := min(max(req.GetInt("timeout", defaultPollTimeout), 0), int(inbox.MaxPollTimeout/time.Second))

		resp, err := deps.Hub.PollInbox(ctx, id, time.Duration(timeout)*time.Second)
		if err != nil {
			return mcpFailure(err, "session"), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpAckMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		messageID, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}

		resp, err := deps.Hub.AckMessage(ctx, sessionID, messageID)
		if err != nil {
			return mcpFailure(err, "message"), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpResourceRuntime(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.MarshalIndent(map[string]any{
			"base_url":   deps.BaseURL,
			"started_at": deps.StartedAt,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runtime info: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// rawArgument re-encodes an optional structured argument as JSON. Absent
// and null arguments yield nil.
func rawArgument(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %v", key, err)
	}
	return b, nil
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

// mcpFailure renders a service or remote hub error the way the HTTP API
// classifies it.
func mcpFailure(err error, entity string) *mcp.CallToolResult {
	var verr *storage.ValidationError
	var cerr *ClientError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return mcpError(entity + " not found")
	case errors.As(err, &verr):
		return mcpError(verr.Error())
	case errors.As(err, &cerr) && cerr.Status == http.StatusNotFound:
		return mcpError(entity + " not found")
	case errors.As(err, &cerr) && cerr.Status == http.StatusBadRequest:
		return mcpError(cerr.Message)
	default:
		return mcpError(fmt.Sprintf("%s operation failed: %v", entity, err))
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
