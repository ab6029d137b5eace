// Command tribalknowledge runs the Slack-fronted database assistant bot: it
// connects to the configured MCP tool servers, opens the local SQLite
// thread-context and query-cache stores, and serves Slack Socket-Mode events
// until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/spf13/cobra"

	"github.com/mlx93/TribalKnowledge/internal/agent"
	"github.com/mlx93/TribalKnowledge/internal/config"
	"github.com/mlx93/TribalKnowledge/internal/llm"
	"github.com/mlx93/TribalKnowledge/internal/mcp"
	"github.com/mlx93/TribalKnowledge/internal/slackbot"
	"github.com/mlx93/TribalKnowledge/internal/store"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tribalknowledge",
		Short: "A Slack bot that answers database questions through MCP tools",
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Slack and MCP servers and start answering questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("starting tribalknowledge",
		"primary_model", cfg.LLMPrimaryModel,
		"fallback_enabled", cfg.LLMFallbackEnabled,
		"cache_enabled", cfg.CacheEnabled,
		"mcp_servers", len(cfg.MCPServers),
	)

	db, err := store.Open(cfg.ThreadContextDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	threads := store.NewThreadContextStore(db)
	cache := store.NewQueryCacheStore(db)
	cache.FuzzyThreshold = cfg.CacheFuzzyThreshold
	if !cfg.CacheEnabled {
		cache = nil
	}

	mcpMgr := mcp.NewManager(mcp.Config{Servers: cfg.MCPServers}, logger)
	mcpMgr.Start(ctx)
	defer mcpMgr.Stop()

	policy := llm.NewPolicy(
		llm.NewOpenAIClient("primary", "https://openrouter.ai/api/v1", cfg.OpenRouterAPIKey, cfg.LLMPrimaryModel),
		fallbackBackend(cfg),
		cfg.LLMFallbackEnabled,
	)
	policy.Logger = logger

	loop := &agent.Loop{
		LLM:      policy,
		Tools:    mcpMgr,
		Cache:    cache,
		AutoSave: cfg.CacheAutoSave,
		Logger:   logger,
	}

	slackClient := slack.New(cfg.SlackBotToken, slack.OptionAppLevelToken(cfg.SlackAppToken))
	socket := socketmode.New(slackClient)
	dispatcher := slackbot.NewDispatcher(slackClient, socket, threads, cache, loop, mcpMgr, logger)
	dispatcher.LLMPrimaryModel = cfg.LLMPrimaryModel
	dispatcher.LLMFallbackModel = cfg.LLMFallbackModel
	dispatcher.LLMFallbackEnabled = cfg.LLMFallbackEnabled

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scheduler := startEvictionScheduler(ctx, threads, cache, cfg.CacheTTL, logger)
	defer scheduler.Stop()

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- socket.RunContext(ctx)
	}()

	logger.Info("tribalknowledge is listening for Slack events")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("socket mode run loop exited", "error", err)
		}
	}
	return nil
}

func fallbackBackend(cfg *config.Config) llm.Backend {
	if !cfg.LLMFallbackEnabled || cfg.LLMFallbackModel == "" {
		return nil
	}
	return llm.NewOpenAIClient("fallback", "", cfg.OpenAIAPIKey, cfg.LLMFallbackModel)
}

// startEvictionScheduler runs the TTL sweeps for both durable stores hourly,
// in the teacher's cron-driven style rather than a hand-rolled ticker loop.
func startEvictionScheduler(ctx context.Context, threads *store.ThreadContextStore, cache *store.QueryCacheStore, cacheTTL time.Duration, logger *slog.Logger) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@hourly", func() {
		if n, err := threads.CleanupOldContexts(ctx, store.DefaultMaxContextAge); err != nil {
			logger.Warn("eviction: thread context cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("eviction: removed stale thread contexts", "count", n)
		}

		if cache == nil {
			return
		}
		if n, err := cache.CleanupExpired(ctx, cacheTTL); err != nil {
			logger.Warn("eviction: query cache cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("eviction: removed expired cache entries", "count", n)
		}
	})
	if err != nil {
		logger.Error("eviction: failed to schedule cleanup job", "error", err)
	}
	c.Start()
	return c
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
