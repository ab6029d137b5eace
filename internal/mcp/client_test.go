package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientConnectListsTools(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"synth","version":"1.0"}}}`)
		case "tools/list":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"tools":[{"name":"run_query","description":"runs sql","inputSchema":{"type":"object"}}]}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{}}`)
		}
	})

	client := NewClient(&ServerConfig{ID: "synth", URL: srv.URL, Enabled: true}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.Connected() {
		t.Fatal("expected client to be connected")
	}
	tools := client.Tools()
	if len(tools) != 1 || tools[0].FullName() != "synth__run_query" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestClientCallToolReinitializesOnSessionError(t *testing.T) {
	t.Parallel()

	var initCount int32
	var callCount int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			atomic.AddInt32(&initCount, 1)
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"synth","version":"1.0"}}}`)
		case "tools/list":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"tools":[]}}`)
		case "tools/call":
			n := atomic.AddInt32(&callCount, 1)
			if n == 1 {
				fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","error":{"code":-32000,"message":"session expired"}}`)
				return
			}
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"ok"}]}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{}}`)
		}
	})

	client := NewClient(&ServerConfig{ID: "synth", URL: srv.URL, Enabled: true}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := client.CallTool(context.Background(), "run_query", json.RawMessage(`{"sql":"select 1"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if atomic.LoadInt32(&initCount) != 2 {
		t.Fatalf("expected reinitialize once (2 total inits), got %d", initCount)
	}
}
