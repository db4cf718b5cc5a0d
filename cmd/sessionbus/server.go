package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sessionbus/internal/api"
	"github.com/kalambet/sessionbus/internal/config"
	"github.com/kalambet/sessionbus/internal/events"
	"github.com/kalambet/sessionbus/internal/inbox"
	"github.com/kalambet/sessionbus/internal/notify"
	"github.com/kalambet/sessionbus/internal/requests"
	"github.com/kalambet/sessionbus/internal/retention"
	"github.com/kalambet/sessionbus/internal/sessions"
	"github.com/kalambet/sessionbus/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sessionbus hub (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sessionbus hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessionbus hub status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout (use `sessionbus mcp` to attach to a running hub)")
}

// hub is the set of services behind one running sessionbus.
type hub struct {
	registry  *sessions.Registry
	ledger    *requests.Ledger
	inbox     *inbox.Inbox
	events    *events.Broadcaster
	retention *retention.Worker
	handler   http.Handler
}

func newHub(cfg config.Config, store *storage.Store, clk clockwork.Clock, notifier notify.Notifier) *hub {
	h := &hub{
		registry: sessions.NewRegistry(store, clk, cfg.Sessions.OfflineAfter),
		inbox:    inbox.New(store, clk, cfg.Inbox.PollInterval),
		events:   events.New(clk, cfg.Events.BufferSize),
	}
	h.ledger = requests.New(requests.Deps{
		Store:    store,
		Clock:    clk,
		Inbox:    h.inbox,
		Events:   h.events,
		Notifier: notifier,
	})
	h.retention = retention.NewWorker(h.registry, clk, cfg.Retention.PurgeAfter, cfg.Retention.SweepInterval)
	h.handler = api.NewRouter(api.Deps{
		Registry: h.registry,
		Ledger:   h.ledger,
		Inbox:    h.inbox,
		Events:   h.events,
		Health:   store,
	})
	return h
}

func (h *hub) mcpServer(baseURL string, startedAt time.Time) *server.MCPServer {
	return api.NewMCPServer(api.MCPDeps{
		Hub:       &api.LocalHub{Registry: h.registry, Ledger: h.ledger, Inbox: h.inbox},
		BaseURL:   baseURL,
		StartedAt: startedAt,
	})
}

func runServer(withMCP bool) error {
	// stdout belongs to the MCP transport, so everything here goes to stderr.
	fmt.Fprintf(os.Stderr, "sessionbus version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(resolveBaseURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("sessionbus is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("sessionbus is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notifications.Enabled {
		notifier = notify.NewDesktop()
	}
	h := newHub(cfg, store, clockwork.NewRealClock(), notifier)

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr(), err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	baseURL := (config.ServerConfig{Host: cfg.Server.Host, Port: port}).BaseURL()
	startedAt := time.Now().UTC()

	runtimePath := runtimeFilePath(cfg.Storage.DataDir)
	if err := writeRuntimeFile(runtimePath, runtimeInfo{Port: port, BaseURL: baseURL, UpdatedAt: startedAt}); err != nil {
		slog.Warn("writing runtime file failed", "path", runtimePath, "error", err)
	}
	defer os.Remove(runtimePath)

	// No WriteTimeout: long polls and event streams outlive any fixed bound.
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "sessionbus listening on %s\n", baseURL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if h.retention.Enabled() {
		g.Go(func() error {
			h.retention.Run(gctx)
			return nil
		})
	}
	if withMCP {
		stdioSrv := server.NewStdioServer(h.mcpServer(baseURL, startedAt))
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			// Other clients may still use the hub, so it keeps serving
			// until it is stopped.
			if gctx.Err() == nil {
				slog.Info("MCP client disconnected; hub keeps running")
			}
			return nil
		})
	}
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("sessionbus is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop sessionbus (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to sessionbus (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	baseURL := resolveBaseURL(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", baseURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus("PID", "%d", pid)
	}

	if running {
		if n, err := countItems(client, baseURL+"/api/sessions"); err == nil {
			printStatus("Sessions", "%d", n)
		}
		if n, err := countItems(client, baseURL+"/api/requests?status=PENDING"); err == nil {
			printStatus("Pending requests", "%d", n)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countItems(client *http.Client, url string) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	var items []json.RawMessage
	if err := decodeJSON(resp, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}
