package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/cadence/internal/api"
	"github.com/kalambet/cadence/internal/config"
	"github.com/kalambet/cadence/internal/connectivity"
	"github.com/kalambet/cadence/internal/migrate"
	"github.com/kalambet/cadence/internal/remote"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cadence daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cadence daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cadence daemon and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cadence.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// remoteStack is everything built from the remote.* config.
type remoteStack struct {
	client     *remote.Client
	tasks      *remote.Collection[tracker.Task]
	milestones *remote.Collection[tracker.Milestone]
	settings   *remote.Collection[tracker.Settings]
}

func newRemoteStack(cfg config.Config) (*remoteStack, error) {
	if !cfg.RemoteEnabled() {
		return nil, nil
	}
	client, err := remote.New(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.RemoteTimeout())
	if err != nil {
		return nil, fmt.Errorf("configuring remote store: %w", err)
	}
	if client.Expired() {
		return nil, fmt.Errorf("remote token for %s: %w", client.Owner(), remote.ErrTokenExpired)
	}
	return &remoteStack{
		client:     client,
		tasks:      remote.NewCollection[tracker.Task](client, remote.ModelTasks),
		milestones: remote.NewCollection[tracker.Milestone](client, remote.ModelMilestones),
		settings:   remote.NewCollection[tracker.Settings](client, remote.ModelSettings),
	}, nil
}

func (r *remoteStack) remotes() tracker.Remotes {
	if r == nil {
		return tracker.Remotes{}
	}
	return tracker.Remotes{
		Tasks:      remote.ListRemote(r.tasks),
		Milestones: remote.ListRemote(r.milestones),
		Settings:   remote.SingleRemote(r.settings),
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "cadence version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cadence is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cadence is already running on port %d", cfg.Server.Port)
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

	rs, err := newRemoteStack(cfg)
	if errors.Is(err, remote.ErrTokenExpired) {
		printWarning("%v; run `cadence config set-token` to refresh it", err)
		slog.Warn("remote token expired, running local-only")
	} else if err != nil {
		return err
	}

	var prober connectivity.Prober
	var inspector api.RemoteInspector
	if rs != nil {
		prober = rs.client
		inspector = rs.client
		slog.Info("remote store configured", "url", cfg.Remote.BaseURL, "owner", rs.client.Owner())
	} else {
		slog.Info("no remote store configured, running local-only")
	}
	conn := connectivity.NewMonitor(cfg.Sync.StartOnline, prober, cfg.ProbeInterval())
	conn.CheckOnce(ctx)

	// Legacy data must reach the remote store before the slots pull from it.
	if rs != nil && conn.Online() {
		m := migrate.New(store, rs.tasks, rs.milestones, rs.settings)
		if res, err := m.Run(ctx); err != nil {
			slog.Warn("migrating cached data to remote failed, will retry on next start", "error", err)
		} else if !res.Skipped {
			printSuccess("Migrated %d tasks and %d milestones to the remote store", res.Tasks, res.Milestones)
		}
	}

	svc := tracker.New(store, rs.remotes(), conn, tracker.WithLogger(slog.Default()))
	if err := svc.Init(ctx); err != nil {
		slog.Warn("local cache could not be read, starting from defaults", "error", err)
	}
	for key, st := range svc.SyncStatus() {
		slog.Info("slot loaded", "key", key, "status", st.Status)
	}

	transitions, unsubscribe := conn.Subscribe()
	defer unsubscribe()
	go func() {
		for online := range transitions {
			if online {
				slog.Info("remote store reachable again; local changes made offline are pushed with the next update")
			} else {
				slog.Warn("remote store unreachable; changes are kept locally")
			}
		}
	}()
	go conn.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Tracker:      svc,
		Connectivity: conn,
		Remote:       inspector,
		Token:        apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Tracker: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cadence listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("cadence is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cadence (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cadence (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.RemoteEnabled() {
		printStatus("Remote", "%s", cfg.Remote.BaseURL)
	} else {
		printStatus("Remote", "not configured (local-only)")
	}

	if err == nil && resp.StatusCode == http.StatusOK {
		var st syncStatusResponse
		if r, err := client.get(ctx, "/sync"); err == nil && decodeJSON(r, &st) == nil {
			printSyncStatus(st)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
