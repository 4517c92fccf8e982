// Package main runs the Repost Radar bot: it fingerprints images posted in
// Discord channels, detects duplicates against a per-channel hash database,
// and produces CSV reports for forum-wide analysis.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"

	"repost-radar/discord"
	"repost-radar/fingerprint"
	"repost-radar/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments inject the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		logger.Error("DISCORD_BOT_TOKEN environment variable required")
		os.Exit(1)
	}

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *storage.Client
	if localStorage != "" {
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	reportDir := os.Getenv("REPORT_DIR")
	if reportDir == "" {
		reportDir = "./reports"
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		logger.Error("Failed to create report directory", "error", err)
		os.Exit(1)
	}

	snapshots := store.New(storageClient, bucket, localStorage, logger)
	if scopes, err := snapshots.Scopes(ctx); err != nil {
		logger.Warn("Failed to list existing hash databases", "error", err)
	} else if len(scopes) > 0 {
		logger.Info("Existing hash databases found", "count", len(scopes), "scopes", scopes)
	}

	hasher := fingerprint.New(&http.Client{Timeout: 30 * time.Second}, logger)

	bot, err := discord.New(discord.Config{
		Token:           token,
		Store:           snapshots,
		Hasher:          hasher,
		Logger:          logger,
		TrackedChannels: trackedChannels(),
		ReportDir:       reportDir,
		GCHint:          gcHint(logger),
	})
	if err != nil {
		logger.Error("Failed to initialize bot", "error", err)
		os.Exit(1)
	}

	serveHealth(logger)

	logger.Info("Starting bot", "tracked_channels", len(trackedChannels()))
	if err := bot.Start(ctx); err != nil {
		logger.Error("Bot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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

// trackedChannels parses the comma-separated list of channel IDs to watch
// live for reposts.
func trackedChannels() []string {
	raw := os.Getenv("TRACKED_CHANNELS")
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// gcHint returns the memory-pressure callback used between pages of very
// large scans, or nil when disabled.
func gcHint(logger *slog.Logger) func() {
	if os.Getenv("GC_BETWEEN_PAGES") == "" {
		return nil
	}
	return func() {
		logger.Debug("Requesting garbage collection between pages")
		runtime.GC()
	}
}
