package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	mcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Kind enumerates the tools a worker can be given.
type Kind string

const (
	KindWebSearch        Kind = "web_search"
	KindFetchURL         Kind = "fetch_url"
	KindExtractEntities  Kind = "extract_entities"
	KindVerifyClaim      Kind = "verify_claim"
	KindSpawnWorker      Kind = "spawn_worker_agent"
	KindRequestSynthesis Kind = "request_synthesis"
)

// RoleTools is the tool set each worker role is constructed with.
var RoleTools = map[types.WorkerRole][]Kind{
	types.RoleOrchestrator: {KindSpawnWorker, KindRequestSynthesis},
	types.RoleSearcher:     {KindWebSearch, KindFetchURL},
	types.RoleExtractor:    {KindExtractEntities, KindFetchURL},
	types.RoleFactChecker:  {KindVerifyClaim, KindWebSearch},
	types.RoleSynthesizer:  nil,
}

// ToolHandler is the function signature for tool handlers
type ToolHandler = func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Definition contains tool metadata and handler
type Definition struct {
	Kind    Kind
	Tool    mcp.Tool
	Handler ToolHandler
	// Sources optionally recovers cited sources from a successful call.
	Sources func(args map[string]any, output string) []types.Source
}

// Registry manages tool registration and discovery
type Registry struct {
	defs map[Kind]*Definition
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Kind]*Definition)}
}

// Register adds a tool to the registry
func (r *Registry) Register(def *Definition) error {
	if def.Kind == "" || def.Handler == nil {
		return fmt.Errorf("tool definition needs a kind and a handler")
	}
	if _, exists := r.defs[def.Kind]; exists {
		return fmt.Errorf("tool already registered: %s", def.Kind)
	}
	if def.Tool.Name == "" {
		def.Tool.Name = string(def.Kind)
	}
	r.defs[def.Kind] = def
	return nil
}

// Get retrieves a tool definition by kind
func (r *Registry) Get(kind Kind) (*Definition, bool) {
	def, exists := r.defs[kind]
	return def, exists
}

// Kinds returns all registered kinds in sorted order
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// RegisterWithServer exposes the given kinds (all when none given) on an MCP server.
func (r *Registry) RegisterWithServer(server *mcpserver.MCPServer, kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = r.Kinds()
	}
	for _, k := range kinds {
		if def, ok := r.defs[k]; ok {
			server.AddTool(def.Tool, def.Handler)
		}
	}
}

// Resolve builds the lookup table for a fixed set of kinds. Every kind
// must be registered.
func (r *Registry) Resolve(kinds ...Kind) (*Toolset, error) {
	ts := &Toolset{byName: make(map[string]*Definition, len(kinds))}
	for _, k := range kinds {
		def, ok := r.defs[k]
		if !ok {
			return nil, fmt.Errorf("tool %s is not registered", k)
		}
		ts.tools = append(ts.tools, def.Tool)
		ts.byName[def.Tool.Name] = def
	}
	return ts, nil
}

// ResolveRole resolves the tool set configured for role.
func (r *Registry) ResolveRole(role types.WorkerRole) (*Toolset, error) {
	return r.Resolve(RoleTools[role]...)
}

// Toolset is a resolved tool table owned by a single worker.
type Toolset struct {
	tools  []mcp.Tool
	byName map[string]*Definition
}

// Tools returns the schemas to declare to the model.
func (ts *Toolset) Tools() []mcp.Tool {
	if ts == nil {
		return nil
	}
	return ts.tools
}

// Len returns the number of tools in the set.
func (ts *Toolset) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.tools)
}

// Call runs one tool. Failures are reported in the returned ToolResult
// rather than as an error so a single bad call never aborts a task.
func (ts *Toolset) Call(ctx context.Context, name string, args map[string]any) types.ToolResult {
	out := types.ToolResult{Tool: name}

	var def *Definition
	if ts != nil {
		def = ts.byName[name]
	}
	if def == nil {
		out.Error = fmt.Sprintf("tool %s is not available to this worker", name)
		return out
	}

	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := def.Handler(ctx, req)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	text := ResultText(res)
	if res != nil && res.IsError {
		out.Error = text
		return out
	}
	out.Output = text
	if def.Sources != nil {
		out.Sources = def.Sources(args, text)
	}
	return out
}

// ResultText concatenates the text content of a tool result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
