// Package app boots the relay binary: environment, logging pipeline, hub,
// HTTP surface, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	server "gloomvault/server"
	servernet "gloomvault/server/internal/net"
	"gloomvault/server/logging"
	loggingSinks "gloomvault/server/logging/sinks"
)

const shutdownGrace = 5 * time.Second

// Run starts the relay and blocks until the context ends or a termination
// signal arrives.
func Run(ctx context.Context) error {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("app: skipping .env: %v", err)
	}

	logger := log.New(os.Stdout, "[gloomvault] ", log.LstdFlags)

	cfg, err := server.LoadConfig(os.Getenv("GLOOMVAULT_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	router, err := buildLogRouter(logger)
	if err != nil {
		return fmt.Errorf("build log router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := router.Close(closeCtx); err != nil {
			logger.Printf("app: log router close: %v", err)
		}
	}()

	hub := server.NewHub(cfg, router, logger)
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	httpServer := &nethttp.Server{
		Addr:    cfg.Addr,
		Handler: servernet.NewRouter(hub, servernet.RouterConfig{Logger: logger}),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("relay listening on %s (%d sessions)", cfg.Addr, len(cfg.Sessions))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	case sig := <-signals:
		logger.Printf("shutting down on %v", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildLogRouter assembles the event pipeline from environment variables.
// GLOOMVAULT_LOG_SINKS selects sinks (comma separated, default console);
// GLOOMVAULT_LOG_FILE targets the JSON sink; GLOOMVAULT_LOG_COLOR enables
// colored console output.
func buildLogRouter(fallback *log.Logger) (*logging.Router, error) {
	cfg := logging.DefaultConfig()
	if raw := os.Getenv("GLOOMVAULT_LOG_SINKS"); raw != "" {
		cfg.EnabledSinks = strings.Split(raw, ",")
	}
	cfg.Console.UseColor = os.Getenv("GLOOMVAULT_LOG_COLOR") == "1"
	if path := os.Getenv("GLOOMVAULT_LOG_FILE"); path != "" {
		cfg.JSON.FilePath = path
	}

	var named []logging.NamedSink
	if cfg.HasSink("console") {
		named = append(named, logging.NamedSink{
			Name: "console",
			Sink: loggingSinks.NewConsole(os.Stdout, cfg.Console),
		})
	}
	if cfg.HasSink("json") && cfg.JSON.FilePath != "" {
		jsonSink, err := loggingSinks.NewJSONLines(cfg.JSON)
		if err != nil {
			return nil, err
		}
		named = append(named, logging.NamedSink{Name: "json", Sink: jsonSink})
	}
	return logging.NewRouter(cfg, nil, fallback, named)
}
