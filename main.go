// Package main runs the Discord join notification service: it discovers
// monitored communities, watches them for new members via the heuristic
// detector and the gateway ingest route, and sends exactly one direct message
// per detected join.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"discord-join-notifier/config"
	"discord-join-notifier/detect"
	"discord-join-notifier/discord"
	"discord-join-notifier/dispatch"
	"discord-join-notifier/guard"
	"discord-join-notifier/pkg/joinwatch"
	"discord-join-notifier/server"
	"discord-join-notifier/store"
	"discord-join-notifier/stream"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.Database.Path); dir != "" && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("Failed to create database directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	client := discord.New(&http.Client{Timeout: 30 * time.Second}, cfg.Discord.Token, logger)

	discoverCommunities(ctx, cfg, client, st, logger)

	dispatcher := dispatch.New(&dispatch.Config{
		Store:        st,
		Sink:         &dmSink{client: client, userID: cfg.Discord.NotifyUserID},
		Logger:       logger,
		RatePerMin:   cfg.Notifications.RatePerMinute,
		Burst:        cfg.Notifications.Burst,
		MaxAttempts:  cfg.Notifications.MaxAttempts,
		WaitDeadline: cfg.WaitDeadline(),
	})
	if requeued, err := dispatcher.Requeue(ctx); err != nil {
		logger.Error("Failed to requeue undelivered records", "error", err)
		os.Exit(1)
	} else if requeued > 0 {
		logger.Info("Recovered undelivered records from previous run", "count", requeued)
	}

	dedupGuard := guard.New(st, dispatcher, cfg.DedupWindow(), logger)
	listener := stream.New(dedupGuard, logger)

	detector := detect.New(&detect.Config{
		Source:         client,
		Store:          st,
		Sink:           dedupGuard,
		Logger:         logger,
		PollInterval:   cfg.PollInterval(),
		StaleAfter:     cfg.StaleAfter(),
		RescanInterval: cfg.DiscoveryInterval(),
		MaxChannels:    cfg.Monitoring.MaxChannelsPerPoll,
		MessageLimit:   cfg.Monitoring.MessageLimit,
	})

	srv := server.New(&server.Config{
		Stats:      st,
		Listener:   listener,
		Queue:      dispatcher,
		Heartbeats: detector,
		Logger:     logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := detector.Run(ctx); err != nil {
			logger.Error("Detector stopped with error", "error", err)
			stop()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx, cfg.Server.Port); err != nil {
			logger.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		discoveryLoop(ctx, cfg, client, st, logger)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		retentionLoop(ctx, cfg, st, logger)
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")
	wg.Wait()
	logger.Info("Shutdown complete")
}

// discoveryLoop re-discovers communities on an interval, so guilds the
// identity joins after startup get monitored and config exclusion changes take
// effect without a restart.
func discoveryLoop(ctx context.Context, cfg *config.Config, client *discord.Client, st *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.DiscoveryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			discoverCommunities(ctx, cfg, client, st, logger)
		}
	}
}

// retentionLoop prunes expired join records and markers, once at startup and
// then periodically.
func retentionLoop(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) {
	prune := func() {
		if _, err := st.Prune(ctx, cfg.Retention()); err != nil {
			logger.Warn("Retention prune failed", "error", err)
		}
	}
	prune()

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// discoverCommunities syncs the store with the guilds visible to the
// monitoring identity. The exclusion flag follows the config both ways, so
// removing an ID from the exclusion list re-includes the community. Discovery
// failures are not fatal: previously stored communities keep being monitored.
func discoverCommunities(ctx context.Context, cfg *config.Config, client *discord.Client, st *store.Store, logger *slog.Logger) {
	guilds, err := client.Guilds(ctx)
	if err != nil {
		logger.Warn("Community discovery failed, using stored targets", "error", err)
		return
	}

	for _, g := range guilds {
		community := &joinwatch.Community{
			ID:          g.ID,
			DisplayName: g.Name,
			Mode:        joinwatch.ModeBoth,
			MemberCount: g.ApproximateMemberCount,
			Excluded:    cfg.Excluded(g.ID),
		}
		if err := st.UpsertCommunity(ctx, community); err != nil {
			logger.Warn("Failed to record community", "community_id", g.ID, "error", err)
			continue
		}
		if err := st.SetCommunityExcluded(ctx, g.ID, community.Excluded); err != nil {
			logger.Warn("Failed to apply community exclusion", "community_id", g.ID, "error", err)
		}
	}
	logger.Info("Community discovery completed", "count", len(guilds))
}

// dmSink delivers notifications as direct messages to the configured target.
type dmSink struct {
	client *discord.Client
	userID string
}

func (s *dmSink) Send(ctx context.Context, text string) error {
	return s.client.SendDirectMessage(ctx, s.userID, text)
}

func logLevel(level string) slog.Level {
	switch level {
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
