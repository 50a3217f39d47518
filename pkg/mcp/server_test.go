package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/spawn-mcp/research-coordinator/pkg/coordinator"
	"github.com/spawn-mcp/research-coordinator/pkg/drone"
	"github.com/spawn-mcp/research-coordinator/pkg/events"
	"github.com/spawn-mcp/research-coordinator/pkg/tools"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

func reply(role types.WorkerRole, fn func(task types.ResearchTask) string) drone.Worker {
	return drone.WorkerFunc{WorkerRole: role, Fn: func(ctx context.Context, task types.ResearchTask) types.ResearchTask {
		_ = task.Transition(types.TaskStatusThinking)
		_ = task.Transition(types.TaskStatusExecuting)
		_ = task.Complete(types.TaskResult{Text: fn(task)})
		return task
	}}
}

func testCoordinator() *coordinator.Coordinator {
	factory := func(ctx context.Context, sessionID string) (*drone.Pool, error) {
		return &drone.Pool{
			Orchestrator: reply(types.RoleOrchestrator, func(task types.ResearchTask) string {
				if strings.Contains(task.Description, "Break this research") {
					return "1. first topic\n2. second topic"
				}
				return "Objective: answer\nStep 1: search"
			}),
			Searcher:    reply(types.RoleSearcher, func(task types.ResearchTask) string { return "about " + task.Description }),
			Extractor:   reply(types.RoleExtractor, func(types.ResearchTask) string { return "entities" }),
			FactChecker: reply(types.RoleFactChecker, func(types.ResearchTask) string { return "holds" }),
			Synthesizer: reply(types.RoleSynthesizer, func(types.ResearchTask) string { return "final report" }),
		}, nil
	}
	return coordinator.New(factory, nil, coordinator.WithPublisher(&events.Recorder{}))
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return tools.ResultText(res), res.IsError
}

func TestStartResearch(t *testing.T) {
	s := NewMCPServer(testCoordinator(), nil)

	text, isErr := call(t, s.handleStartResearch, map[string]any{
		"session_id":   "s1",
		"query":        "What is Go?",
		"context_json": `{"user_id": "u1"}`,
	})
	if isErr {
		t.Fatalf("Expected success, got error %q", text)
	}

	var res types.ResearchResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if res.Report != "final report" || res.FindingsCount != 2 || res.CitationsCount != 2 || res.Progress != 100 {
		t.Errorf("Unexpected result %+v", res)
	}

	mem, isErr := call(t, s.handleMemoryContext, map[string]any{"session_id": "s1", "query": "What is Go?"})
	if isErr || !strings.Contains(mem, "[verified] about first topic") {
		t.Errorf("Expected verified findings in memory context, got %q", mem)
	}

	findings, isErr := call(t, s.handleSessionFindings, map[string]any{"session_id": "s1"})
	if isErr || !strings.Contains(findings, "about second topic") {
		t.Errorf("Expected persisted findings, got %q", findings)
	}

	if _, isErr := call(t, s.handleClearMemory, map[string]any{"session_id": "s1"}); isErr {
		t.Fatalf("clear_memory failed")
	}
	if _, isErr := call(t, s.handleMemoryContext, map[string]any{"session_id": "s1"}); !isErr {
		t.Errorf("Expected memory to be gone after clear_memory")
	}
}

func TestStartResearchRejectsBadArguments(t *testing.T) {
	s := NewMCPServer(testCoordinator(), nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing session", map[string]any{"query": "q"}, "session_id"},
		{"missing query", map[string]any{"session_id": "s1"}, "query"},
		{"bad context", map[string]any{"session_id": "s1", "query": "q", "context_json": "{"}, "context_json"},
		{"empty query", map[string]any{"session_id": "s1", "query": ""}, `"code":"RES-5001"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, s.handleStartResearch, tt.args)
			if !isErr || !strings.Contains(text, tt.want) {
				t.Errorf("Expected error mentioning %s, got %q (error=%v)", tt.want, text, isErr)
			}
		})
	}
}

func TestMemoryContextUnknownSession(t *testing.T) {
	s := NewMCPServer(testCoordinator(), nil)
	if _, isErr := call(t, s.handleMemoryContext, map[string]any{"session_id": "nobody"}); !isErr {
		t.Errorf("Expected an error for an uninitialized session")
	}
	text, isErr := call(t, s.handleSessionFindings, map[string]any{"session_id": "nobody"})
	if isErr || !strings.HasPrefix(text, "No findings") {
		t.Errorf("Expected an empty listing, got %q", text)
	}
}

func TestRegisteredTools(t *testing.T) {
	registry := tools.NewDefaultRegistry(nil, nil)
	s := NewMCPServer(testCoordinator(), registry)

	want := []string{"start_research", "memory_context", "session_findings", "clear_memory", "web_search", "fetch_url", "extract_entities", "verify_claim"}
	if diff := cmp.Diff(want, s.Tools()); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}
}

func TestServeListsToolsOverStdio(t *testing.T) {
	s := NewMCPServer(testCoordinator(), nil)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
`)
	var out bytes.Buffer
	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !strings.Contains(out.String(), "start_research") {
		t.Errorf("Expected tools/list to name start_research, got %q", out.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := NewMCPServer(testCoordinator(), nil)
	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, in, io.Discard) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Expected clean shutdown, but got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
