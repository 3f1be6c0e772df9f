// Agora deliberation engine server. Coordinates multi-agent discussion
// sessions and exposes the REST and observer WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openagora/agora/pkg/api"
	"github.com/openagora/agora/pkg/bus"
	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/events"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/insights"
	"github.com/openagora/agora/pkg/llm"
	"github.com/openagora/agora/pkg/moderator"
	"github.com/openagora/agora/pkg/rules"
	"github.com/openagora/agora/pkg/session"
	"github.com/openagora/agora/pkg/storage"
)

func main() {
	configDir := flag.String("config-dir", ".", "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting agora",
		"http_port", settings.HTTPPort,
		"event_log_max_size", settings.EventLogMaxSize)

	ctx := context.Background()

	// 1. Scenario registry (built-ins plus an optional scenario directory).
	scenarios, err := config.LoadScenarios(settings.ScenarioDir)
	if err != nil {
		slog.Error("Failed to load scenarios", "error", err)
		os.Exit(1)
	}

	// 2. Event store: postgres when configured, in-memory otherwise.
	var store storage.EventStore
	if settings.DatabaseURL != "" {
		pg, err := storage.Connect(ctx, settings.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		slog.Info("Connected to PostgreSQL event store")
	} else {
		store = storage.NewMemoryStore()
		slog.Info("Using in-memory event store")
	}

	// 3. Bus and event log; the log publishes every append onto the bus.
	b := bus.New()
	log := eventlog.New(store,
		eventlog.WithMaxEvents(settings.EventLogMaxSize),
		eventlog.WithPublisher(b.Publish))

	// 4. Default model client, if credentials are present.
	var defaultClient llm.Client
	if settings.ModelAPIKey != "" {
		defaultClient = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:    settings.ModelBaseURL,
			APIKey:     settings.ModelAPIKey,
			Model:      settings.ModelName,
			MaxRetries: settings.ModelMaxRetries,
		})
		slog.Info("Default model client initialized", "model", settings.ModelName)
	} else {
		slog.Warn("No MODEL_API_KEY set; sessions must bring their own model config or use scripted agents")
	}

	// 5. Moderator and session manager.
	mod := moderator.New(log, rules.New(), defaultClient)
	sessions := session.NewManager(settings, scenarios, log, b, mod, defaultClient)

	// 6. Observer surface.
	svc := events.Services{
		Log:       log,
		Bus:       b,
		Moderator: mod,
		Sessions:  sessions,
	}
	if defaultClient != nil {
		svc.Outline = insights.NewOutlineGenerator(log, defaultClient)
		svc.Judge = insights.NewJudgeSystem(log, defaultClient)
		svc.Summary = insights.NewSummaryService(log, defaultClient)
	}
	connManager := events.NewConnectionManager(svc, settings.WriteTimeout)

	// 7. HTTP server (non-blocking).
	httpServer := api.NewServer(sessions, mod, log, connManager)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + settings.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Agora started successfully")

	// 8. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop session loops, then the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sessions.Shutdown(shutdownCtx)
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Session loops stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Session shutdown timeout exceeded")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
