// Package orchestrator plans research, breaks it into tasks, judges
// completeness and writes the final report. Every model interaction goes
// through the worker contract; the orchestrator reads a snapshot of the
// run state and returns values instead of mutating it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spawn-mcp/research-coordinator/pkg/drone"
	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/timeout"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

const (
	// DefaultMaxTasks caps the tasks produced by DecomposeTasks.
	DefaultMaxTasks = 5
	// DefaultFreshnessThreshold is the age after which an artifact is stale.
	DefaultFreshnessThreshold = 24 * time.Hour
)

// Orchestrator drives the orchestrator-role worker for planning and
// evaluation and the synthesizer-role worker for the report.
type Orchestrator struct {
	planner  drone.Worker
	writer   drone.Worker
	timeouts *timeout.Manager
	maxTasks int
	log      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeouts bounds each worker call by its operation timeout.
func WithTimeouts(m *timeout.Manager) Option {
	return func(o *Orchestrator) { o.timeouts = m }
}

// WithMaxTasks changes the decomposition cap.
func WithMaxTasks(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTasks = n
		}
	}
}

// New builds an orchestrator from a run's worker pool. The synthesizer is
// used for reports when present, otherwise the orchestrator worker writes
// them too.
func New(pool *drone.Pool, opts ...Option) (*Orchestrator, error) {
	planner, err := pool.For(types.RoleOrchestrator)
	if err != nil {
		return nil, err
	}
	writer, err := pool.For(types.RoleSynthesizer)
	if err != nil {
		writer = planner
	}
	o := &Orchestrator{
		planner:  planner,
		writer:   writer,
		timeouts: timeout.NewManager(5 * time.Minute),
		maxTasks: DefaultMaxTasks,
		log:      logging.For("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// PlanResearch asks the orchestrator worker for a plan and parses it.
// A failed call is returned as PlanningFailed.
func (o *Orchestrator) PlanResearch(ctx context.Context, state types.OrchestratorState, query string, rctx map[string]any) (types.ResearchPlan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a research plan for the question below.\n\nQuestion: %s\n", query)
	if mem, ok := rctx["memory"].(string); ok && mem != "" {
		fmt.Fprintf(&b, "\nWhat we already know:\n%s\n", mem)
	}
	b.WriteString(`
List up to five objectives, each on its own line starting with "Objective:".
Then describe the steps you would take, one per line starting with "Step".`)

	text, err := o.call(ctx, timeout.OpPlan, o.planner, state.SessionID, b.String(), rctx)
	if err != nil {
		return types.ResearchPlan{}, rerrors.Wrap(err, rerrors.CodePlanningFailed, "plan research").
			WithContext("query", query)
	}

	parsed := ParsePlan(text, query)
	if parsed.Quality == types.ParseAmbiguous {
		o.log.Warn("plan parsed with fallbacks", slog.String("session_id", state.SessionID))
	}

	userID, _ := rctx["user_id"].(string)
	return types.ResearchPlan{
		ID:             types.NewPlanID(),
		SessionID:      state.SessionID,
		UserID:         userID,
		Query:          query,
		Objectives:     parsed.Objectives,
		Strategy:       text,
		EstimatedSteps: parsed.EstimatedSteps,
		Quality:        parsed.Quality,
		CreatedAt:      time.Now(),
	}, nil
}

// DecomposeTasks turns the plan into at most maxTasks idle searcher tasks.
// A response without list items gives zero tasks, which is not an error.
func (o *Orchestrator) DecomposeTasks(ctx context.Context, state types.OrchestratorState, query string, plan types.ResearchPlan) ([]types.ResearchTask, types.ParseQuality, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Break this research into at most %d focused web search tasks.\n\nQuestion: %s\n", o.maxTasks, query)
	if len(plan.Objectives) > 0 {
		b.WriteString("\nObjectives:\n")
		for _, obj := range plan.Objectives {
			fmt.Fprintf(&b, "- %s\n", obj)
		}
	}
	b.WriteString("\nAnswer with a numbered list, one search task per line.")

	text, err := o.call(ctx, timeout.OpDecompose, o.planner, state.SessionID, b.String(), map[string]any{"plan_id": plan.ID})
	if err != nil {
		return nil, types.ParseAmbiguous, rerrors.Wrap(err, rerrors.CodePlanningFailed, "decompose tasks").
			WithContext("plan_id", plan.ID)
	}

	items, quality := ParseTaskList(text, o.maxTasks)
	tasks := make([]types.ResearchTask, 0, len(items))
	for _, item := range items {
		tasks = append(tasks, types.NewTask(state.SessionID, types.RoleSearcher, item, map[string]any{
			"query":   query,
			"plan_id": plan.ID,
		}))
	}
	return tasks, quality, nil
}

// VerifyFreshness returns the artifacts retrieved more than threshold
// before now. An artifact exactly threshold old is still fresh. Nothing is
// modified or removed.
func VerifyFreshness(artifacts []types.ResearchArtifact, threshold time.Duration, now time.Time) []types.ResearchArtifact {
	if threshold <= 0 {
		threshold = DefaultFreshnessThreshold
	}
	var stale []types.ResearchArtifact
	for _, a := range artifacts {
		if now.Sub(a.RetrievedAt) > threshold {
			stale = append(stale, a)
		}
	}
	return stale
}

// SynthesizeFindings writes the final report. Failure is SynthesisFailed.
func (o *Orchestrator) SynthesizeFindings(ctx context.Context, state types.OrchestratorState, query string, artifacts []types.ResearchArtifact, citations []types.Citation) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a research report answering: %s\n", query)
	if len(artifacts) == 0 {
		b.WriteString("\nNo findings were gathered. Say so, and give whatever general guidance you can.\n")
	} else {
		b.WriteString("\nFindings:\n")
		for i, a := range artifacts {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, a.Kind, a.Content)
		}
	}
	if len(citations) > 0 {
		b.WriteString("\nSources:\n")
		for _, c := range citations {
			label := c.Title
			if label == "" {
				label = c.Source
			}
			if c.URL != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", label, c.URL)
			} else {
				fmt.Fprintf(&b, "- %s\n", label)
			}
		}
	}

	report, err := o.call(ctx, timeout.OpSynthesize, o.writer, state.SessionID, b.String(), map[string]any{"query": query})
	if err == nil && strings.TrimSpace(report) == "" {
		err = fmt.Errorf("empty report")
	}
	if err != nil {
		return "", rerrors.Wrap(err, rerrors.CodeSynthesisFailed, "synthesize findings").
			WithContext("findings", len(artifacts))
	}
	return report, nil
}

// EvaluateCompleteness asks whether the findings answer the query. The
// classification is a keyword heuristic; a failed call is AnalysisFailed.
func (o *Orchestrator) EvaluateCompleteness(ctx context.Context, state types.OrchestratorState, query string, findings []types.ResearchArtifact, plan types.ResearchPlan) (Completeness, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nObjectives:\n", query)
	for _, obj := range plan.Objectives {
		fmt.Fprintf(&b, "- %s\n", obj)
	}
	fmt.Fprintf(&b, "\n%d findings so far:\n", len(findings))
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s\n", f.Content)
	}
	b.WriteString(`
Is the research complete or sufficient to answer the question? Reply with
"complete" or "incomplete", then list each gap on its own line starting with "Gap:".`)

	text, err := o.call(ctx, timeout.OpEvaluate, o.planner, state.SessionID, b.String(), map[string]any{"plan_id": plan.ID})
	if err != nil {
		return Completeness{}, rerrors.Wrap(err, rerrors.CodeAnalysisFailed, "evaluate completeness")
	}
	return ParseCompleteness(text), nil
}

// call runs one worker-contract task and returns its text.
func (o *Orchestrator) call(ctx context.Context, op string, w drone.Worker, sessionID, prompt string, taskContext map[string]any) (string, error) {
	task := types.NewTask(sessionID, w.Role(), prompt, taskContext)
	o.log.Debug("worker call", slog.String("op", op), slog.String("task_id", task.ID), slog.String("prompt", prompt))

	var done types.ResearchTask
	err := o.timeouts.Run(ctx, op, func(ctx context.Context) error {
		done = w.Execute(ctx, task)
		if done.Status != types.TaskStatusCompleted {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%s: %w", done.Error, err)
			}
			return fmt.Errorf("%s", done.Error)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resultText(done.Result), nil
}

// resultText prefers the model's answer and falls back to tool output.
func resultText(r *types.TaskResult) string {
	if r == nil {
		return ""
	}
	if r.Text != "" {
		return r.Text
	}
	var parts []string
	for _, tr := range r.ToolResults {
		if tr.Output != "" {
			parts = append(parts, tr.Output)
		}
	}
	return strings.Join(parts, "\n\n")
}
