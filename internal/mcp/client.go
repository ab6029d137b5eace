package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// clientInfo identifies this process to every MCP server it connects to.
var clientInfo = ServerInfo{Name: "tribalknowledge", Version: "1.0.0"}

// Client talks to a single MCP server over HTTP. It owns the server's tool
// catalog and session lifecycle; callers never see the transport directly.
type Client struct {
	config    *ServerConfig
	transport *httpTransport
	logger    *slog.Logger

	mu        sync.RWMutex
	connected bool
	tools     []Tool
	info      ServerInfo
}

// NewClient builds a client for one MCP server. It does not connect.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: newHTTPTransport(cfg),
		logger:    logger,
	}
}

// Connect performs the initialize handshake, sends notifications/initialized,
// and refreshes the tool catalog.
func (c *Client) Connect(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      clientInfo,
	}
	raw, err := c.transport.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("mcp: initialize %s: %w", c.config.ID, err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp: parse initialize result from %s: %w", c.config.ID, err)
	}
	if err := c.transport.notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("mcp: initialized notification failed", "server", c.config.ID, "error", err)
	}

	c.mu.Lock()
	c.connected = true
	c.info = result.ServerInfo
	c.mu.Unlock()

	return c.refreshTools(ctx)
}

// Close releases local state; there is no persistent connection to tear down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Connected reports whether initialize has succeeded.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ServerInfo returns the server's self-reported identity, valid after Connect.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Tools returns the most recently discovered tool catalog for this server.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Client) refreshTools(ctx context.Context) error {
	raw, err := c.transport.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp: tools/list on %s: %w", c.config.ID, err)
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp: parse tools/list result from %s: %w", c.config.ID, err)
	}
	tools := make([]Tool, 0, len(result.Tools))
	for _, rt := range result.Tools {
		tools = append(tools, Tool{
			Name:        rt.Name,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
			ServerID:    c.config.ID,
			ServerURL:   c.config.URL,
		})
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool by its local (unprefixed) name. On a session error
// it transparently reinitializes this server once and retries the call once
// more before giving up.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	result, err := c.callToolOnce(ctx, name, arguments)
	if err == nil {
		return result, nil
	}
	if !isSessionError(err) {
		return nil, err
	}

	c.logger.Info("mcp: session error calling tool, reinitializing", "server", c.config.ID, "tool", name)
	c.transport.resetSession()
	if connErr := c.Connect(ctx); connErr != nil {
		return nil, fmt.Errorf("mcp: reinitialize %s after session error: %w", c.config.ID, connErr)
	}
	return c.callToolOnce(ctx, name, arguments)
}

func (c *Client) callToolOnce(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	params := callToolParams{Name: name, Arguments: arguments}
	raw, err := c.transport.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: parse tools/call result from %s: %w", c.config.ID, err)
	}
	return &result, nil
}
