package main

import (
	"context"
	"encoding/json"
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

	"github.com/parishworks/vestry/internal/api"
	"github.com/parishworks/vestry/internal/config"
	"github.com/parishworks/vestry/internal/notify"
	"github.com/parishworks/vestry/internal/pipeline"
	"github.com/parishworks/vestry/internal/recognize"
	"github.com/parishworks/vestry/internal/recognize/tesseract"
	"github.com/parishworks/vestry/internal/session"
	"github.com/parishworks/vestry/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vestry server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vestry server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vestry system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vestry.pid")
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

func buildEngine(cfg config.RecognizerConfig) recognize.Engine {
	if cfg.Provider == "tesseract" {
		return tesseract.New()
	}
	return recognize.NewVisionClient(cfg.VisionBaseURL, cfg.VisionAPIKey)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "vestry version %s\n", version)

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

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vestry is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vestry is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Session handoff manager plus the background expiry sweeper.
	sessions := session.NewManager(store, cfg.Session.Timeout, cfg.Server.BaseURL)
	sweeper := session.NewSweeper(sessions, cfg.Session.Retention, cfg.Session.SweepInterval)
	go sweeper.Run(ctx)

	// Recognition backend and receipt delivery.
	engine := buildEngine(cfg.Recognizer)
	slog.Info("recognition engine ready", "provider", cfg.Recognizer.Provider)

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, slog.Default())
	} else {
		notifier = notify.NewLogOnly(slog.Default())
	}

	orchestrator := pipeline.New(store, sessions, engine, notifier, pipeline.Options{
		Workers:     cfg.Pipeline.Workers,
		MaxFileSize: cfg.Pipeline.MaxFileSize,
		MaxFiles:    cfg.Pipeline.MaxFiles,
		Preprocess:  cfg.Pipeline.Preprocess,
		UploadDir:   cfg.Storage.UploadDir,
	})

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Sessions: sessions,
		Pipeline: orchestrator,
		Token:    cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:         store,
		Sessions:      sessions,
		DefaultTenant: 1,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "vestry listening on %s\n", addr)
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

	// Graceful shutdown with timeout, then drain in-flight batches.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	orchestrator.Close()
	return nil
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
		printError("vestry is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vestry (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vestry (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Recognizer", "%s", cfg.Recognizer.Provider)
	if cfg.Recognizer.Provider == "vision" {
		printStatus("Vision URL", "%s", cfg.Recognizer.VisionBaseURL)
	}
	if cfg.Notify.WebhookURL != "" {
		printStatus("Webhook", "%s", cfg.Notify.WebhookURL)
	}

	// Show queue depth if the server is up.
	if running {
		queueResp, err := apiGet(client, serverURL+"/queue/health?tenant_id=1", cfg.Server.APIToken)
		if err == nil {
			var health struct {
				Counts        map[string]int `json:"counts_by_status"`
				Last24hVolume int            `json:"last_24h_volume"`
			}
			if json.NewDecoder(queueResp.Body).Decode(&health) == nil {
				printStatus("Queue", "%d pending, %d processing, %d complete, %d failed",
					health.Counts["pending"], health.Counts["processing"],
					health.Counts["complete"], health.Counts["error"])
				printStatus("Last 24h", "%d jobs", health.Last24hVolume)
			}
			queueResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
