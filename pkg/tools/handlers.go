package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// NewDefaultRegistry registers every tool kind backed by the given
// search and fetch implementations.
func NewDefaultRegistry(searcher Searcher, fetcher Fetcher) *Registry {
	r := NewRegistry()
	for _, def := range []*Definition{
		WebSearchDefinition(searcher),
		FetchURLDefinition(fetcher),
		ExtractEntitiesDefinition(),
		VerifyClaimDefinition(),
		SpawnWorkerDefinition(),
		RequestSynthesisDefinition(),
	} {
		// kinds are distinct, Register cannot fail here
		_ = r.Register(def)
	}
	return r
}

// WebSearchDefinition returns the web_search tool.
func WebSearchDefinition(searcher Searcher) *Definition {
	return &Definition{
		Kind: KindWebSearch,
		Tool: mcp.NewTool(string(KindWebSearch),
			mcp.WithDescription("Search the web and return ranked results with title, url and snippet"),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of results"), mcp.DefaultNumber(5), mcp.Min(1), mcp.Max(10)),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			limit := int(req.GetFloat("max_results", 5))

			results, err := searcher.Search(ctx, query, limit)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
			}
			b, err := json.Marshal(results)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(b)), nil
		},
		Sources: func(_ map[string]any, output string) []types.Source {
			var sources []types.Source
			if err := json.Unmarshal([]byte(output), &sources); err != nil {
				return nil
			}
			return sources
		},
	}
}

// FetchURLDefinition returns the fetch_url tool.
func FetchURLDefinition(fetcher Fetcher) *Definition {
	return &Definition{
		Kind: KindFetchURL,
		Tool: mcp.NewTool(string(KindFetchURL),
			mcp.WithDescription("Download a web page and return its readable text"),
			mcp.WithString("url", mcp.Required(), mcp.Description("Absolute http(s) URL")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			url, err := req.RequireString("url")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			page, err := fetcher.Fetch(ctx, url)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("fetch failed: %v", err)), nil
			}
			if page.Title != "" {
				return mcp.NewToolResultText(page.Title + "\n\n" + page.Text), nil
			}
			return mcp.NewToolResultText(page.Text), nil
		},
		Sources: func(args map[string]any, output string) []types.Source {
			url, _ := args["url"].(string)
			if url == "" {
				return nil
			}
			title, _, _ := strings.Cut(output, "\n")
			return []types.Source{{Title: title, URL: url}}
		},
	}
}

// ExtractEntitiesDefinition returns the extract_entities tool.
func ExtractEntitiesDefinition() *Definition {
	return &Definition{
		Kind: KindExtractEntities,
		Tool: mcp.NewTool(string(KindExtractEntities),
			mcp.WithDescription("Find typed spans (names, dates, years, amounts, percentages, urls, emails) in text"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to scan")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			entities := ExtractEntities(text)
			if entities == nil {
				entities = []Entity{}
			}
			b, err := json.Marshal(entities)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(b)), nil
		},
	}
}

// VerifyClaimDefinition returns the verify_claim tool.
func VerifyClaimDefinition() *Definition {
	return &Definition{
		Kind: KindVerifyClaim,
		Tool: mcp.NewTool(string(KindVerifyClaim),
			mcp.WithDescription("Check a claim against source texts and report whether it is supported, with a confidence score"),
			mcp.WithString("claim", mcp.Required(), mcp.Description("Claim to verify")),
			mcp.WithString("sources", mcp.Description("Source texts, one per line")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			claim, err := req.RequireString("claim")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			sources := strings.Split(req.GetString("sources", ""), "\n")
			b, err := json.Marshal(VerifyClaim(claim, sources))
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(b)), nil
		},
	}
}

// SpawnWorkerDefinition returns the spawn_worker_agent delegation hint.
// The coordinator runs tasks itself, so the handler only acknowledges.
func SpawnWorkerDefinition() *Definition {
	return &Definition{
		Kind: KindSpawnWorker,
		Tool: mcp.NewTool(string(KindSpawnWorker),
			mcp.WithDescription("Delegate a sub-task to a specialised worker"),
			mcp.WithString("agent_type", mcp.Required(), mcp.Description("Worker role"),
				mcp.Enum(string(types.RoleSearcher), string(types.RoleExtractor), string(types.RoleFactChecker), string(types.RoleSynthesizer))),
			mcp.WithString("task", mcp.Required(), mcp.Description("Task description")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			agentType, err := req.RequireString("agent_type")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if !types.WorkerRole(agentType).Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("unknown agent type %q", agentType)), nil
			}
			task, err := req.RequireString("task")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("delegation noted: %s -> %s", agentType, task)), nil
		},
	}
}

// RequestSynthesisDefinition returns the request_synthesis hint.
func RequestSynthesisDefinition() *Definition {
	return &Definition{
		Kind: KindRequestSynthesis,
		Tool: mcp.NewTool(string(KindRequestSynthesis),
			mcp.WithDescription("Ask for the collected findings to be synthesized into a report"),
			mcp.WithString("findings", mcp.Required(), mcp.Description("Findings to synthesize, one per line")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			findings, err := req.RequireString("findings")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			n := 0
			for _, line := range strings.Split(findings, "\n") {
				if strings.TrimSpace(line) != "" {
					n++
				}
			}
			return mcp.NewToolResultText(fmt.Sprintf("synthesis requested for %d findings", n)), nil
		},
	}
}
