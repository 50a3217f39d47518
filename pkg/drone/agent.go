package drone

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spawn-mcp/research-coordinator/pkg/llm"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/tools"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// AgentConfig is passed through to the model on every call.
type AgentConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// System replaces the role's default system prompt when set.
	System string
}

// Agent is an LLM-backed worker: one model call followed by at most one
// round of tool calls.
type Agent struct {
	role    types.WorkerRole
	invoker llm.Invoker
	tools   *tools.Toolset
	cfg     AgentConfig
	log     *slog.Logger
}

// NewAgent resolves the role's tool set from registry once, up front.
func NewAgent(role types.WorkerRole, invoker llm.Invoker, registry *tools.Registry, cfg AgentConfig) (*Agent, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown worker role %q", role)
	}
	if invoker == nil {
		return nil, fmt.Errorf("%s agent needs an invoker", role)
	}
	var ts *tools.Toolset
	if registry != nil {
		var err error
		if ts, err = registry.ResolveRole(role); err != nil {
			return nil, fmt.Errorf("resolve tools for %s: %w", role, err)
		}
	}
	if cfg.System == "" {
		cfg.System = systemPrompts[role]
	}
	return &Agent{
		role:    role,
		invoker: invoker,
		tools:   ts,
		cfg:     cfg,
		log:     logging.For("drone").With(slog.String("role", string(role))),
	}, nil
}

// Role returns the agent's role.
func (a *Agent) Role() types.WorkerRole { return a.role }

// Execute runs the task. Individual tool failures are recorded in the
// result; the task only fails when the model call errors or neither text
// nor any tool output was produced.
func (a *Agent) Execute(ctx context.Context, task types.ResearchTask) types.ResearchTask {
	if task.Status.Terminal() {
		return task
	}
	if err := task.Transition(types.TaskStatusThinking); err != nil {
		return failTask(task, "%v", err)
	}

	resp, err := a.invoker.Invoke(ctx, llm.Request{
		Role:        a.role,
		Model:       a.cfg.Model,
		System:      a.cfg.System,
		Prompt:      renderTask(task),
		Tools:       a.tools.Tools(),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		a.log.Warn("model call failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return failTask(task, "model call failed: %v", err)
	}

	if err := task.Transition(types.TaskStatusExecuting); err != nil {
		return failTask(task, "%v", err)
	}

	result := types.TaskResult{Text: strings.TrimSpace(resp.Text)}
	produced := result.Text != ""
	for _, call := range resp.ToolCalls {
		tr := a.tools.Call(ctx, call.Name, call.Arguments)
		if tr.Error != "" {
			a.log.Warn("tool call failed",
				slog.String("task_id", task.ID),
				slog.String("tool", call.Name),
				slog.String("error", tr.Error))
		} else if tr.Output != "" {
			produced = true
		}
		result.ToolResults = append(result.ToolResults, tr)
	}

	if !produced {
		return failTask(task, "no answer and no tool output produced")
	}
	if err := task.Complete(result); err != nil {
		return failTask(task, "%v", err)
	}
	return task
}

// renderTask formats the task description and context as the user prompt.
func renderTask(task types.ResearchTask) string {
	var b strings.Builder
	b.WriteString(task.Description)

	if len(task.Context) > 0 {
		keys := make([]string, 0, len(task.Context))
		for k := range task.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %v", k, task.Context[k])
		}
	}
	return b.String()
}

var systemPrompts = map[types.WorkerRole]string{
	types.RoleOrchestrator: `You are the lead of a research team. You plan research, break it into
focused search tasks and judge whether the findings answer the question.
Follow the requested output format exactly.`,
	types.RoleSearcher: `You are a research searcher. Use web_search to find sources for the task
and fetch_url to read the most promising one. Summarise what you found as
concise factual statements.`,
	types.RoleExtractor: `You are an analyst. Extract the key entities, figures and claims from the
finding you are given. Use extract_entities on the text and report the
structured facts and what they imply.`,
	types.RoleFactChecker: `You are a fact checker. Check the claim you are given with verify_claim,
searching for corroborating sources when needed. State whether it holds
and how confident you are.`,
	types.RoleSynthesizer: `You are a research writer. Combine the verified findings into a clear,
well organised report that answers the question and cites its sources.`,
}

// NewAgentFactory returns a Factory that builds a fresh Agent for every
// role on each call. Roles missing from configs use the zero AgentConfig.
func NewAgentFactory(invoker llm.Invoker, registry *tools.Registry, configs map[types.WorkerRole]AgentConfig) Factory {
	return func(ctx context.Context, sessionID string) (*Pool, error) {
		pool := &Pool{}
		for _, role := range types.Roles {
			agent, err := NewAgent(role, invoker, registry, configs[role])
			if err != nil {
				return nil, err
			}
			if err := pool.Set(agent); err != nil {
				return nil, err
			}
		}
		return pool, nil
	}
}
