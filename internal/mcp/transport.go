package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 30 * time.Second

// httpTransport speaks JSON-RPC 2.0 over plain HTTP POST to a single MCP
// server. Responses may be framed as a single Server-Sent Event (the first
// line prefixed "data: ") or as a bare JSON body; both are accepted.
//
// The server may hand back a session token on any response via the
// mcp-session-id header. Once observed, every subsequent request other than
// initialize carries it back on the same header.
type httpTransport struct {
	config *ServerConfig
	client *http.Client

	mu        sync.Mutex
	sessionID string
}

func newHTTPTransport(cfg *ServerConfig) *httpTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpTransport{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) sessionToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *httpTransport) setSessionToken(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// resetSession drops the cached session token, forcing the next call to
// reinitialize from a clean slate.
func (t *httpTransport) resetSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
}

// call performs one JSON-RPC request/response round trip.
func (t *httpTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: encode params for %s: %w", method, err)
		}
		rawParams = encoded
	}

	req := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rawParams,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode request for %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request for %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if method != "initialize" {
		if sid := t.sessionToken(); sid != "" {
			httpReq.Header.Set("mcp-session-id", sid)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp: %s request to %s: %w", method, t.config.ID, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		t.setSessionToken(sid)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcp: read response from %s: %w", t.config.ID, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &sessionError{serverID: t.config.ID, statusCode: resp.StatusCode, body: string(data)}
	}

	var rpcResp jsonrpcResponse
	if err := decodeEnvelope(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: decode response from %s: %w", t.config.ID, err)
	}
	if rpcResp.Error != nil {
		if isSessionRPCError(rpcResp.Error) {
			return nil, &sessionError{serverID: t.config.ID, rpcErr: rpcResp.Error}
		}
		return nil, fmt.Errorf("mcp: %s on %s: %w", method, t.config.ID, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// notify sends a one-way JSON-RPC notification (no response expected).
func (t *httpTransport) notify(ctx context.Context, method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: encode params for %s: %w", method, err)
		}
		rawParams = encoded
	}
	note := jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: rawParams}
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("mcp: encode notification %s: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: build notification %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if sid := t.sessionToken(); sid != "" {
		httpReq.Header.Set("mcp-session-id", sid)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mcp: notify %s to %s: %w", method, t.config.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// decodeEnvelope accepts either a bare JSON body or a single SSE frame whose
// first "data: " line carries the JSON-RPC envelope.
func decodeEnvelope(data []byte, out *jsonrpcResponse) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return json.Unmarshal(trimmed, out)
	}
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			return json.Unmarshal([]byte(payload), out)
		}
	}
	return fmt.Errorf("no JSON body or SSE data line found in response")
}

// sessionError carries a transport-level failure: an HTTP status of 400 or
// above, or a JSON-RPC error whose text names the session explicitly.
// isSessionError decides which of these count as an invalid/expired session.
type sessionError struct {
	serverID   string
	statusCode int
	body       string
	rpcErr     *jsonrpcError
}

func (e *sessionError) Error() string {
	if e.rpcErr != nil {
		return fmt.Sprintf("mcp: session error from %s: %s", e.serverID, e.rpcErr.Message)
	}
	return fmt.Sprintf("mcp: session error from %s: http %d", e.serverID, e.statusCode)
}

func isSessionRPCError(rpcErr *jsonrpcError) bool {
	if rpcErr == nil {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "session") && (strings.Contains(msg, "invalid") || strings.Contains(msg, "expired") || strings.Contains(msg, "not found"))
}

func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	var se *sessionError
	if asSessionError(err, &se) {
		if se.rpcErr != nil {
			return true
		}
		return se.statusCode == http.StatusUnauthorized || se.statusCode == http.StatusNotFound || se.statusCode == http.StatusBadRequest
	}
	return false
}

func asSessionError(err error, target **sessionError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if se, ok := err.(*sessionError); ok {
			*target = se
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
