package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/CTAG07/viterbi/pkg/hmm"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	baseLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	actionChan := make(chan string, 1)

	go func() {
		osSignalChan := make(chan os.Signal, 1)
		signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM)
		<-osSignalChan
		baseLogger.Info("OS signal received, initiating shutdown.")
		actionChan <- actionShutdown
	}()

	for {
		action, err := run(actionChan)
		if err != nil {
			baseLogger.Error("An error occurred during server run, shutting down.", "error", err)
			os.Exit(1)
		}
		if action != actionRestart {
			break
		}
		baseLogger.Info("--- Server Restarting ---")
	}

	baseLogger.Info("Viterbi decode service has shut down.")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run hosts the API server for one configuration cycle and returns whenever
// the server is shut down or restarted.
func run(actionChan chan string) (string, error) {
	cm, err := NewConfigManager("./config.json")
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	config := cm.Get()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(config.Server.LogLevel)}))
	cm.SetLogger(logger)
	logger.Info("Starting server cycle...")

	if config.Server.DataDir != "" {
		if err = os.MkdirAll(config.Server.DataDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := initDB(config.Server.DatabasePath)
	if err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}

	if err = hmm.SetupSchema(db); err != nil {
		_ = db.Close()
		return "", fmt.Errorf("failed to setup model schema: %w", err)
	}
	if err = setupAuthSchema(db); err != nil {
		logger.Error("Failed to setup auth schema", "error", err)
	}
	if err = setupStatsSchema(db); err != nil {
		logger.Error("Failed to setup stats schema", "error", err)
	}

	server, err := NewServer(cm, logger, db, actionChan)
	if err != nil {
		_ = db.Close()
		return "", fmt.Errorf("failed to create server object: %w", err)
	}
	seedModels(context.Background(), server.store, config.Decode.SeedModels, logger)

	apiHttpServer := &http.Server{
		Addr:              config.Server.ApiAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting api server", "address", apiHttpServer.Addr)
		if err := apiHttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Api server failed", "error", err)
		}
	}()

	action := <-actionChan // Block here until API or OS signal sends an action.

	logger.Info("Stopping server for " + action + "...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = apiHttpServer.Shutdown(ctx); err != nil {
		logger.Error("Api server shutdown failed", "error", err)
	}
	logger.Info("HTTP server stopped.")

	if err = server.Close(); err != nil {
		logger.Error("Failed to release store statements", "error", err)
	}
	logger.Info("Closing database connection.")
	if err = db.Close(); err != nil {
		logger.Error("Failed to close database", "error", err)
	}

	return action, nil
}

// seedModels loads each configured parameter file into the store unless a
// model of that name already exists. Failures are logged and skipped.
func seedModels(ctx context.Context, store *hmm.Store, seeds map[string]string, logger *slog.Logger) {
	for name, path := range seeds {
		_, err := store.GetModelInfo(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Error("Failed to look up seed model", "name", name, "error", err)
			continue
		}
		model, err := hmm.LoadFile(path)
		if err != nil {
			logger.Error("Failed to load seed model", "name", name, "path", path, "error", err)
			continue
		}
		if _, err = store.InsertModel(ctx, name, model); err != nil {
			logger.Error("Failed to store seed model", "name", name, "error", err)
			continue
		}
		logger.Info("Seed model stored", "name", name, "path", path)
	}
}
