package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

func TestClientInvokeSendsToolsAndParsesCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, but got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Expected bearer auth, but got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" searching ","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"go generics\",\"max_results\":3}"}}]}}]}`))
	}))
	defer srv.Close()

	search := mcp.NewTool("web_search",
		mcp.WithDescription("Search the web"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
	)

	c := NewClient(srv.URL+"/", "secret")
	resp, err := c.Invoke(context.Background(), Request{
		Role:        types.RoleSearcher,
		Model:       "test-model",
		System:      "you search",
		Prompt:      "find go generics",
		Tools:       []mcp.Tool{search},
		Temperature: 0.3,
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if got.Model != "test-model" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "web_search" {
		t.Fatalf("Expected web_search tool in request, got %+v", got.Tools)
	}
	if req, _ := got.Tools[0].Function.Parameters["required"].([]any); len(req) != 1 {
		t.Errorf("Expected required query parameter, got %v", got.Tools[0].Function.Parameters)
	}

	want := Response{
		Text: "searching",
		ToolCalls: []ToolCall{{
			ID:        "c1",
			Name:      "web_search",
			Arguments: map[string]any{"query": "go generics", "max_results": float64(3)},
		}},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestClientInvokeErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusTooManyRequests, `rate limited`, "429"},
		{"api error", http.StatusOK, `{"error":{"message":"bad model"}}`, "bad model"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"garbage", http.StatusOK, `not json`, "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "").Invoke(context.Background(), Request{Prompt: "hi"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, but got %v", tt.wantErr, err)
			}
		})
	}
}
