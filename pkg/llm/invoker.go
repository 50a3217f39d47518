// Package llm is the single "run a prompt, get text or tool calls" contract
// the workers use to reach a language model.
package llm

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Request is one logical model call. Model, Temperature and MaxTokens are
// passed to the provider unchanged.
type Request struct {
	Role        types.WorkerRole
	Model       string
	System      string
	Prompt      string
	Tools       []mcp.Tool
	Temperature float64
	MaxTokens   int
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response carries the model's text and any requested tool calls.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Invoker runs a prompt against some model provider.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
