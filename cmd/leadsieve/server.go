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

	"github.com/leadsieve/leadsieve/internal/analyzer"
	"github.com/leadsieve/leadsieve/internal/api"
	"github.com/leadsieve/leadsieve/internal/config"
	"github.com/leadsieve/leadsieve/internal/crawler"
	"github.com/leadsieve/leadsieve/internal/metrics"
	"github.com/leadsieve/leadsieve/internal/pipeline"
	"github.com/leadsieve/leadsieve/internal/storage"
	"github.com/leadsieve/leadsieve/internal/task"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the leadsieve server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpEnabled, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpEnabled)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running leadsieve server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show leadsieve system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "leadsieve.pid")
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

func runServer(mcpEnabled bool) error {
	fmt.Fprintf(os.Stderr, "leadsieve version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to start twice. The health check catches a live server even
	// when the PID file has gone stale.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("leadsieve is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("leadsieve is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	store.SetLimits(cfg.Storage.MaxRecords, cfg.Retention())

	// Records left mid-stage by a crash go back to waiting.
	if reset, err := store.ResetInFlight(); err != nil {
		return fmt.Errorf("resetting in-flight records: %w", err)
	} else if reset > 0 {
		logger.Info("reset in-flight records", "count", reset)
	}

	siteCrawler := crawler.New(crawler.Options{
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     cfg.CrawlTimeout(),
		MaxSubpages: cfg.Crawler.MaxSubpages,
		Headless:    cfg.Crawler.Headless,
		Proxy:       cfg.Crawler.Proxy,
	}, logger)

	aiClient := analyzer.NewClient(cfg.AI.APIURL, cfg.AI.APIKey, cfg.AI.Model, cfg.AITimeout(), cfg.Concurrency.RetryAttempts)
	siteAnalyzer := analyzer.New(aiClient, analyzer.Templates{
		Classify: cfg.AI.ClassifyPrompt,
		Email:    cfg.AI.EmailPrompt,
		Company:  cfg.AI.CompanyPrompt,
	})

	coordinator := pipeline.New(store, siteCrawler, siteAnalyzer, pipeline.Options{
		Concurrency:    cfg.Concurrency.MaxConcurrent,
		Delay:          cfg.BatchDelay(),
		CrawlTimeout:   cfg.CrawlTimeout(),
		AnalyzeTimeout: cfg.AITimeout(),
		ExtractInfo:    true,
		Preflight: func() error {
			return analyzer.ValidateConfig(cfg.AI.APIURL, cfg.AI.APIKey, cfg.AI.Model)
		},
	}, logger)

	runner := task.NewRunner(store, coordinator, 2*time.Second, logger)
	if err := runner.Resume(); err != nil {
		return fmt.Errorf("resuming tasks: %w", err)
	}
	go runner.Run(ctx)

	deps := api.Deps{
		Store:       store,
		Coordinator: coordinator,
		Threshold:   cfg.Concurrency.BackgroundThreshold,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	if mcpEnabled {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "leadsieve listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	coordinator.Stop()

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
		printError("leadsieve is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop leadsieve (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to leadsieve (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
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

	printStatus("AI model", "%s", cfg.AI.Model)
	if cfg.AI.APIKey == "" {
		printStatus("AI key", "not configured")
	} else {
		printStatus("AI key", "configured")
	}
	if cfg.Crawler.Headless {
		printStatus("Crawler", "headless browser")
	} else {
		printStatus("Crawler", "plain HTTP")
	}

	if running {
		pendingResp, err := client.Get(serverURL + "/api/records/pending")
		if err == nil {
			var pending struct {
				Count int `json:"count"`
			}
			if json.NewDecoder(pendingResp.Body).Decode(&pending) == nil {
				printStatus("Pending", "%d records", pending.Count)
			}
			pendingResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
