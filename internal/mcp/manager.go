package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mlx93/TribalKnowledge/internal/backoff"
	"github.com/mlx93/TribalKnowledge/internal/llm"
)

// startupConnectAttempts bounds how many times Start retries a server's
// initial handshake before excluding it from the catalog.
const startupConnectAttempts = 3

// Config lists the MCP servers a Manager should connect to.
type Config struct {
	Servers []*ServerConfig
}

// ServerStatus summarizes one server's connection state, for surfacing on a
// home-tab or status command.
type ServerStatus struct {
	ID          string
	Description string
	Connected   bool
	Info        ServerInfo
	ToolCount   int
}

// Manager owns a set of MCP clients and presents their tools as a single
// flat catalog keyed by full_name (server_id "__" tool name). The catalog is
// rebuilt wholesale on Start or on explicit Refresh; it is never mutated by
// an individual CallTool.
type Manager struct {
	logger  *slog.Logger
	clients map[string]*Client

	mu      sync.RWMutex
	catalog map[string]Tool

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewManager builds a Manager for the given server configs. Disabled servers
// are skipped entirely.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger,
		clients: make(map[string]*Client),
		catalog: make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, sc := range cfg.Servers {
		if !sc.Enabled {
			continue
		}
		m.clients[sc.ID] = NewClient(sc, logger)
	}
	return m
}

// Start connects every configured server, retrying each handshake with
// backoff. A server that still fails after startupConnectAttempts is logged
// and excluded from the catalog; its absence is not fatal to startup.
func (m *Manager) Start(ctx context.Context) {
	for id, client := range m.clients {
		_, err := backoff.RetryWithBackoff(ctx, backoff.DefaultPolicy(), startupConnectAttempts, func(attempt int) (struct{}, error) {
			return struct{}{}, client.Connect(ctx)
		})
		if err != nil {
			m.logger.Warn("mcp: server unavailable at startup", "server", id, "attempts", startupConnectAttempts, "error", err)
			continue
		}
		m.logger.Info("mcp: server connected", "server", id, "tools", len(client.Tools()))
	}
	m.rebuildCatalog()
}

// Stop closes every client. It does not error on individual close failures.
func (m *Manager) Stop() {
	for _, client := range m.clients {
		_ = client.Close()
	}
}

// Refresh re-lists tools on every connected server and rebuilds the catalog.
func (m *Manager) Refresh(ctx context.Context) {
	for id, client := range m.clients {
		if !client.Connected() {
			continue
		}
		if err := client.refreshTools(ctx); err != nil {
			m.logger.Warn("mcp: failed to refresh tools", "server", id, "error", err)
		}
	}
	m.rebuildCatalog()
}

func (m *Manager) rebuildCatalog() {
	catalog := make(map[string]Tool)
	for _, client := range m.clients {
		if !client.Connected() {
			continue
		}
		for _, t := range client.Tools() {
			catalog[t.FullName()] = t
		}
	}
	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
}

// Tools returns a snapshot of the full_name-keyed tool catalog.
func (m *Manager) Tools() map[string]Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Tool, len(m.catalog))
	for k, v := range m.catalog {
		out[k] = v
	}
	return out
}

// ToolsForModel renders the current catalog as chat-completions tool specs,
// with full_name as the tool's model-visible name. The result is sorted by
// full_name so repeated calls across one loop's iterations present tools in
// the same order; since the prompt truncates to a fixed prefix, an unstable
// order would make the truncated set change between iterations.
func (m *Manager) ToolsForModel() []llm.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]llm.ToolSpec, 0, len(m.catalog))
	for fullName, t := range m.catalog {
		out = append(out, llm.ToolSpec{
			Name:        fullName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool dispatches a tool call by its full_name, first validating
// arguments against the tool's advertised input schema so a malformed call
// never reaches the server. Calls against distinct full_names may proceed
// concurrently; only the per-server session state is serialized, inside each
// Client.
func (m *Manager) CallTool(ctx context.Context, fullName string, arguments json.RawMessage) (*ToolCallResult, error) {
	serverID, toolName, ok := ParseFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("mcp: malformed tool name %q", fullName)
	}
	client, ok := m.clients[serverID]
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q for tool %q", serverID, fullName)
	}

	if err := m.validateArguments(fullName, arguments); err != nil {
		return nil, fmt.Errorf("mcp: arguments for %q: %w", fullName, err)
	}

	return client.CallTool(ctx, toolName, arguments)
}

// validateArguments checks arguments against the tool's input schema, if the
// server advertised one. Tools without a schema, or with one that fails to
// compile, are passed through unvalidated.
func (m *Manager) validateArguments(fullName string, arguments json.RawMessage) error {
	m.mu.RLock()
	tool, ok := m.catalog[fullName]
	m.mu.RUnlock()
	if !ok || len(tool.InputSchema) == 0 {
		return nil
	}

	schema, err := m.compiledSchema(fullName, tool.InputSchema)
	if err != nil {
		m.logger.Warn("mcp: failed to compile tool input schema, skipping validation", "tool", fullName, "error", err)
		return nil
	}

	var decoded any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &decoded); err != nil {
			return fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}
	return schema.Validate(decoded)
}

func (m *Manager) compiledSchema(fullName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	m.schemaMu.Lock()
	defer m.schemaMu.Unlock()

	if cached, ok := m.schemas[fullName]; ok {
		return cached, nil
	}

	schema, err := jsonschema.CompileString(fullName+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	m.schemas[fullName] = schema
	return schema, nil
}

// Status reports connection state for every configured server, for a
// home-tab or health surface.
func (m *Manager) Status() []ServerStatus {
	out := make([]ServerStatus, 0, len(m.clients))
	for id, client := range m.clients {
		out = append(out, ServerStatus{
			ID:        id,
			Connected: client.Connected(),
			Info:      client.ServerInfo(),
			ToolCount: len(client.Tools()),
		})
	}
	return out
}
