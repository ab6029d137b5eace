// Package config loads the process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mlx93/TribalKnowledge/internal/mcp"
)

// Config is the full set of environment-driven settings for the service.
type Config struct {
	SlackBotToken      string
	SlackAppToken      string
	SlackSigningSecret string

	MCPServers []*mcp.ServerConfig

	LLMPrimaryModel   string
	LLMFallbackModel  string
	LLMFallbackEnabled bool
	OpenRouterAPIKey  string
	OpenAIAPIKey      string

	ThreadContextDB string

	CacheEnabled        bool
	CacheTTL            time.Duration
	CacheFuzzyThreshold float64
	CacheAutoSave       bool

	LogLevel string
}

// Load reads Config from the process environment, applying the documented
// defaults for anything left unset.
func Load() (*Config, error) {
	cfg := &Config{
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),

		LLMPrimaryModel:    envOr("LLM_PRIMARY_MODEL", "gpt-4o-mini"),
		LLMFallbackModel:   envOr("LLM_FALLBACK_MODEL", ""),
		LLMFallbackEnabled: envBool("LLM_FALLBACK_ENABLED", false),
		OpenRouterAPIKey:   os.Getenv("OPENROUTER_API_KEY"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),

		ThreadContextDB: envOr("THREAD_CONTEXT_DB", "tribalknowledge.db"),

		CacheEnabled:        envBool("CACHE_ENABLED", true),
		CacheTTL:            envSeconds("CACHE_TTL_SECONDS", 7*24*time.Hour),
		CacheFuzzyThreshold: envFloat("CACHE_FUZZY_THRESHOLD", 0.99),
		CacheAutoSave:       envBool("CACHE_AUTO_SAVE", false),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}

	if cfg.SlackBotToken == "" {
		return nil, fmt.Errorf("config: SLACK_BOT_TOKEN is required")
	}
	if cfg.SlackAppToken == "" {
		return nil, fmt.Errorf("config: SLACK_APP_TOKEN is required")
	}

	cfg.MCPServers = mcpServersFromEnv()
	if len(cfg.MCPServers) == 0 {
		return nil, fmt.Errorf("config: at least one of MCP_SYNTH_URL or MCP_POSTGRES_URL is required")
	}

	return cfg, nil
}

func mcpServersFromEnv() []*mcp.ServerConfig {
	var servers []*mcp.ServerConfig
	if url := os.Getenv("MCP_SYNTH_URL"); url != "" {
		servers = append(servers, &mcp.ServerConfig{ID: "synth", Description: "schema synthesis and discovery tools", URL: url, Enabled: true})
	}
	if url := os.Getenv("MCP_POSTGRES_URL"); url != "" {
		servers = append(servers, &mcp.ServerConfig{ID: "postgres", Description: "read-only SQL execution", URL: url, Enabled: true})
	}
	return servers
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
