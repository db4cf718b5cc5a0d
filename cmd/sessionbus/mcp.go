package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/sessionbus/internal/api"
	"github.com/kalambet/sessionbus/internal/config"
	"github.com/kalambet/sessionbus/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools on stdin/stdout against the running hub",
	Long: `mcp attaches to the sessionbus hub found through runtime.json (or the
configured address) and serves the MCP tools over stdio. When no hub
answers, one is started in the background unless --no-autostart is set.
Any number of MCP hosts can attach to the same hub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noAutostart, _ := cmd.Flags().GetBool("no-autostart")
		return runMCP(cmd.Context(), !noAutostart)
	},
}

func init() {
	mcpCmd.Flags().Bool("no-autostart", false, "fail instead of starting a hub when none is running")
}

// startHubProcess launches `sessionbus start` detached from this process.
// Its output goes to <data_dir>/hub.log because stdout is the MCP
// transport.
var startHubProcess = func(cfg config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.Storage.DataDir, "hub.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening hub log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "start")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}
	return cmd.Process.Release()
}

// hubStartTimeout bounds how long ensureHub waits for a started hub.
var hubStartTimeout = 10 * time.Second

func hubHealthy(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ensureHub returns the base URL of a healthy hub, starting one when
// autostart is set and none answers.
func ensureHub(ctx context.Context, cfg config.Config, autostart bool) (string, error) {
	if baseURL := resolveBaseURL(cfg); hubHealthy(ctx, baseURL) {
		return baseURL, nil
	}
	if !autostart {
		return "", fmt.Errorf("no sessionbus hub reachable at %s (run `sessionbus start`)", resolveBaseURL(cfg))
	}

	slog.Info("no hub running, starting one", "data_dir", cfg.Storage.DataDir)
	if err := startHubProcess(cfg); err != nil {
		return "", err
	}

	deadline := time.Now().Add(hubStartTimeout)
	for {
		// The started hub writes runtime.json once it listens.
		baseURL := resolveBaseURL(cfg)
		if hubHealthy(ctx, baseURL) {
			slog.Info("hub started", "base_url", baseURL)
			return baseURL, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("hub did not become healthy within %s (see %s)",
				hubStartTimeout, filepath.Join(cfg.Storage.DataDir, "hub.log"))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func runMCP(ctx context.Context, autostart bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL, err := ensureHub(ctx, cfg, autostart)
	if err != nil {
		return err
	}
	var startedAt time.Time
	if info, err := readRuntimeFile(runtimeFilePath(cfg.Storage.DataDir)); err == nil {
		startedAt = info.UpdatedAt
	}

	client := &apiClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 150 * time.Second},
	}
	srv := api.NewMCPServer(api.MCPDeps{
		Hub:       &remoteHub{client: client},
		BaseURL:   baseURL,
		StartedAt: startedAt,
	})

	slog.Info("MCP server attached", "base_url", baseURL)
	err = server.NewStdioServer(srv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

// remoteHub implements api.Hub against the REST API of a running hub.
type remoteHub struct {
	client *apiClient
}

func (h *remoteHub) call(ctx context.Context, method, path string, body any, key string, out any) (http.Header, error) {
	var header http.Header
	if key != "" {
		header = http.Header{api.IdempotencyHeader: []string{key}}
	}
	resp, err := h.client.do(ctx, method, path, body, header)
	if err != nil {
		return nil, err
	}
	return resp.Header, decodeJSON(resp, out)
}

func (h *remoteHub) RegisterSession(ctx context.Context, req api.RegisterSessionRequest) (api.RegisterSessionResponse, error) {
	var out api.RegisterSessionResponse
	_, err := h.call(ctx, http.MethodPost, "/api/sessions/register", req, "", &out)
	return out, err
}

func (h *remoteHub) Heartbeat(ctx context.Context, sessionID string, req api.HeartbeatRequest) (api.SessionView, error) {
	var out api.SessionView
	_, err := h.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/heartbeat", req, "", &out)
	return out, err
}

func (h *remoteHub) SetState(ctx context.Context, sessionID, state string) (api.SessionView, error) {
	var out api.SessionView
	_, err := h.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/state", api.SetStateRequest{State: state}, "", &out)
	return out, err
}

func (h *remoteHub) ListSessions(ctx context.Context) ([]api.SessionView, error) {
	var out []api.SessionView
	_, err := h.call(ctx, http.MethodGet, "/api/sessions", nil, "", &out)
	return out, err
}

func (h *remoteHub) CreateRequest(ctx context.Context, sessionID string, body api.CreateRequestBody, key string) (string, bool, error) {
	var out api.CreateRequestResponse
	header, err := h.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/requests", body, key, &out)
	if err != nil {
		return "", false, err
	}
	return out.RequestID, header.Get(api.ReplayedHeader) == "true", nil
}

func (h *remoteHub) ListRequests(ctx context.Context, status storage.RequestStatus) ([]api.RequestView, error) {
	path := "/api/requests"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []api.RequestView
	_, err := h.call(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

func (h *remoteHub) GetRequest(ctx context.Context, requestID string) (api.RequestView, error) {
	var out api.RequestView
	_, err := h.call(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(requestID), nil, "", &out)
	return out, err
}

func (h *remoteHub) Respond(ctx context.Context, requestID string, body api.RespondBody, key string) (api.ResolveResponse, error) {
	var out api.ResolveResponse
	_, err := h.call(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/respond", body, key, &out)
	return out, err
}

func (h *remoteHub) Dismiss(ctx context.Context, requestID string) (api.ResolveResponse, error) {
	var out api.ResolveResponse
	_, err := h.call(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/dismiss", nil, "", &out)
	return out, err
}

func (h *remoteHub) PollInbox(ctx context.Context, sessionID string, timeout time.Duration) (api.PollResponse, error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/inbox?timeout=" + strconv.Itoa(int(timeout/time.Second))
	var out api.PollResponse
	_, err := h.call(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

func (h *remoteHub) AckMessage(ctx context.Context, sessionID, messageID string) (api.AckResponse, error) {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/inbox/" + url.PathEscape(messageID) + "/ack"
	var out api.AckResponse
	_, err := h.call(ctx, http.MethodPost, path, nil, "", &out)
	return out, err
}
