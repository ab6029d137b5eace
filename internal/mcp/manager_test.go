package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestManagerBuildsFullNameKeyedCatalog(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"synth","version":"1.0"}}}`)
		case "tools/list":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"tools":[{"name":"run_query","inputSchema":{"type":"object"}}]}}`)
		case "tools/call":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"42"}]}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{}}`)
		}
	})

	mgr := NewManager(Config{Servers: []*ServerConfig{
		{ID: "synth", URL: srv.URL, Enabled: true},
	}}, nil)
	mgr.Start(context.Background())

	tools := mgr.Tools()
	if _, ok := tools["synth__run_query"]; !ok {
		t.Fatalf("expected full_name-keyed catalog entry, got %+v", tools)
	}

	specs := mgr.ToolsForModel()
	if len(specs) != 1 || specs[0].Name != "synth__run_query" {
		t.Fatalf("unexpected model tool specs: %+v", specs)
	}

	result, err := mgr.CallTool(context.Background(), "synth__run_query", json.RawMessage(`{"sql":"select 1"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Content[0].Text != "42" {
		t.Fatalf("unexpected call result: %+v", result)
	}
}

func TestManagerCallToolRejectsArgumentsViolatingSchema(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"synth","version":"1.0"}}}`)
		case "tools/list":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"tools":[{"name":"run_query","inputSchema":{"type":"object","required":["sql"],"properties":{"sql":{"type":"string"}}}}]}}`)
		case "tools/call":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"42"}]}}`)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":"1","result":{}}`)
		}
	})

	mgr := NewManager(Config{Servers: []*ServerConfig{
		{ID: "synth", URL: srv.URL, Enabled: true},
	}}, nil)
	mgr.Start(context.Background())

	if _, err := mgr.CallTool(context.Background(), "synth__run_query", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected a schema validation error for missing required field")
	}

	if _, err := mgr.CallTool(context.Background(), "synth__run_query", json.RawMessage(`{"sql":"select 1"}`)); err != nil {
		t.Fatalf("expected valid arguments to pass, got: %v", err)
	}
}

func TestManagerStartSkipsFailedServerWithoutFatal(t *testing.T) {
	t.Parallel()

	badMgr := NewManager(Config{Servers: []*ServerConfig{
		{ID: "down", URL: "http://127.0.0.1:0", Enabled: true},
	}}, nil)
	badMgr.Start(context.Background())

	if len(badMgr.Tools()) != 0 {
		t.Fatalf("expected empty catalog for unreachable server, got %+v", badMgr.Tools())
	}
	status := badMgr.Status()
	if len(status) != 1 || status[0].Connected {
		t.Fatalf("expected server marked disconnected, got %+v", status)
	}
}

func TestParseFullNameSplitsOnFirstSeparator(t *testing.T) {
	t.Parallel()

	server, tool, ok := ParseFullName("postgres__query__with__underscores")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if server != "postgres" || tool != "query__with__underscores" {
		t.Fatalf("unexpected split: server=%q tool=%q", server, tool)
	}

	if _, _, ok := ParseFullName("no-separator"); ok {
		t.Fatal("expected ok=false for name without separator")
	}
}
