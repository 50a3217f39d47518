package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spawn-mcp/research-coordinator/pkg/coordinator"
	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/tools"
)

// MCPServer exposes the research coordinator as MCP tools over stdio.
type MCPServer struct {
	coordinator *coordinator.Coordinator
	mcpServer   *server.MCPServer
	tools       []string
	log         *slog.Logger
}

// NewMCPServer registers start_research, memory_context, session_findings
// and clear_memory, plus the registry's standalone research tools.
// registry may be nil.
func NewMCPServer(coord *coordinator.Coordinator, registry *tools.Registry) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Research Coordinator",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &MCPServer{
		coordinator: coord,
		mcpServer:   mcpServer,
		log:         logging.For("mcp"),
	}
	s.registerTools()

	if registry != nil {
		kinds := []tools.Kind{tools.KindWebSearch, tools.KindFetchURL, tools.KindExtractEntities, tools.KindVerifyClaim}
		registry.RegisterWithServer(mcpServer, kinds...)
		for _, k := range kinds {
			if _, ok := registry.Get(k); ok {
				s.tools = append(s.tools, string(k))
			}
		}
	}
	return s
}

func (s *MCPServer) registerTools() {
	startResearch := mcp.NewTool("start_research",
		mcp.WithDescription("Run a full research pass (plan, search, analyze, verify, synthesize) and return the report with its findings and citations"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session whose memory the run reads and extends"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The research question"),
		),
		mcp.WithString("context_json",
			mcp.Description("Optional JSON object of extra context, e.g. {\"user_id\": \"u1\"}"),
		),
	)
	s.add(startResearch, s.handleStartResearch)

	memoryContext := mcp.NewTool("memory_context",
		mcp.WithDescription("Show what the session already knows, as the planner sees it"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithString("query", mcp.DefaultString("")),
	)
	s.add(memoryContext, s.handleMemoryContext)

	findings := mcp.NewTool("session_findings",
		mcp.WithDescription("List persisted findings and verified artifacts for a session, oldest first"),
		mcp.WithString("session_id", mcp.Required()),
	)
	s.add(findings, s.handleSessionFindings)

	clearMemory := mcp.NewTool("clear_memory",
		mcp.WithDescription("Forget a session's short and long-term memory; persisted artifacts are kept"),
		mcp.WithString("session_id", mcp.Required()),
	)
	s.add(clearMemory, s.handleClearMemory)
}

func (s *MCPServer) add(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

// Tools returns the names of every registered tool.
func (s *MCPServer) Tools() []string {
	return append([]string(nil), s.tools...)
}

func (s *MCPServer) handleStartResearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid query: %v", err)), nil
	}

	var rctx map[string]any
	if raw := request.GetString("context_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context_json: %v", err)), nil
		}
	}

	s.log.Info("starting research", slog.String("session_id", sessionID))
	result, err := s.coordinator.StartResearch(ctx, sessionID, query, rctx)
	if err != nil {
		if re, ok := rerrors.As(err); ok {
			return mcp.NewToolResultError(re.ToJSON()), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *MCPServer) handleMemoryContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}

	text, err := s.coordinator.Memory().ContextFor(sessionID, request.GetString("query", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *MCPServer) handleSessionFindings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}

	findings, err := s.coordinator.Store().LoadFindings(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load findings: %v", err)), nil
	}
	if len(findings) == 0 {
		return mcp.NewToolResultText("No findings for session " + sessionID), nil
	}
	b, err := json.Marshal(findings)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *MCPServer) handleClearMemory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid session_id: %v", err)), nil
	}
	s.coordinator.Memory().Clear(sessionID)
	return mcp.NewToolResultText("Cleared memory for session " + sessionID), nil
}

// Start serves MCP over stdio until the client disconnects or ctx is
// cancelled.
func (s *MCPServer) Start(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve speaks MCP over in and out. Cancelling ctx is a clean shutdown.
func (s *MCPServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info("serving MCP over stdio", slog.Any("tools", s.tools))
	err := server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		s.log.Info("MCP server stopped")
		return nil
	}
	return err
}
