// Package coordinator runs research invocations through the fixed phase
// sequence planning, searching, analyzing, synthesizing, finalizing, done.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spawn-mcp/research-coordinator/pkg/drone"
	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/events"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/memory"
	"github.com/spawn-mcp/research-coordinator/pkg/orchestrator"
	"github.com/spawn-mcp/research-coordinator/pkg/retry"
	"github.com/spawn-mcp/research-coordinator/pkg/store"
	"github.com/spawn-mcp/research-coordinator/pkg/timeout"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Limits bounds the work done by one run.
type Limits struct {
	Concurrency        int
	MaxTasks           int
	MaxAnalyses        int
	MaxVerifications   int
	FreshnessThreshold time.Duration
}

// DefaultLimits returns the standard limits: batches of 3, at most 5
// tasks, analyses and verifications, and a 24 hour freshness threshold.
func DefaultLimits() Limits {
	return Limits{
		Concurrency:        3,
		MaxTasks:           orchestrator.DefaultMaxTasks,
		MaxAnalyses:        5,
		MaxVerifications:   5,
		FreshnessThreshold: orchestrator.DefaultFreshnessThreshold,
	}
}

// Coordinator owns the memory store and persistence/event collaborators
// and builds a fresh worker pool for every run.
type Coordinator struct {
	factory   drone.Factory
	memory    *memory.Store
	store     store.Store
	publisher events.Publisher
	timeouts  *timeout.Manager
	retry     retry.Config
	limits    Limits
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore sets the persistence collaborator.
func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithPublisher sets where run events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithTimeouts sets the per-operation timeouts.
func WithTimeouts(m *timeout.Manager) Option {
	return func(c *Coordinator) { c.timeouts = m }
}

// WithRetry sets the retry policy for persistence.
func WithRetry(cfg retry.Config) Option {
	return func(c *Coordinator) { c.retry = cfg }
}

// WithLimits overrides DefaultLimits. Non-positive fields keep defaults.
func WithLimits(l Limits) Option {
	return func(c *Coordinator) {
		if l.Concurrency > 0 {
			c.limits.Concurrency = l.Concurrency
		}
		if l.MaxTasks > 0 {
			c.limits.MaxTasks = l.MaxTasks
		}
		if l.MaxAnalyses > 0 {
			c.limits.MaxAnalyses = l.MaxAnalyses
		}
		if l.MaxVerifications > 0 {
			c.limits.MaxVerifications = l.MaxVerifications
		}
		if l.FreshnessThreshold > 0 {
			c.limits.FreshnessThreshold = l.FreshnessThreshold
		}
	}
}

// WithClock replaces time.Now for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator. mem may be nil, in which case a store with
// default budgets is used.
func New(factory drone.Factory, mem *memory.Store, opts ...Option) *Coordinator {
	if mem == nil {
		mem = memory.NewStore()
	}
	c := &Coordinator{
		factory:   factory,
		memory:    mem,
		store:     store.NewMemStore(),
		publisher: events.NewLogPublisher(),
		timeouts:  timeout.NewManager(5 * time.Minute),
		retry:     retry.DefaultConfigs.Fast,
		limits:    DefaultLimits(),
		now:       time.Now,
		log:       logging.For("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Memory returns the coordinator's memory store.
func (c *Coordinator) Memory() *memory.Store { return c.memory }

// Store returns the persistence collaborator.
func (c *Coordinator) Store() store.Store { return c.store }

// run is the state of one invocation.
type run struct {
	*Coordinator
	sessionID string
	query     string
	rctx      map[string]any
	state     *types.OrchestratorState
	pool      *drone.Pool
	orch      *orchestrator.Orchestrator
	plan      types.ResearchPlan
	analyses  []types.ResearchArtifact
	verified  []types.ResearchArtifact
	report    string
	log       *slog.Logger
}

// StartResearch runs one research invocation. Only planning, synthesis
// and cancellation errors abort the run; the returned error then records
// the phase reached. Every other failure degrades the result instead.
func (c *Coordinator) StartResearch(ctx context.Context, sessionID, query string, rctx map[string]any) (*types.ResearchResult, error) {
	if sessionID == "" || query == "" {
		return nil, rerrors.New(rerrors.CodeInvalidInput, "session id and query are required")
	}
	start := time.Now()

	r := &run{
		Coordinator: c,
		sessionID:   sessionID,
		query:       query,
		rctx:        copyContext(rctx),
		state:       types.NewOrchestratorState(sessionID),
	}
	r.log = c.log.With(slog.String("session_id", sessionID))

	if err := c.memory.Initialize(sessionID); err != nil {
		if !errors.Is(err, rerrors.MemoryAlreadyInitialized) {
			return nil, err
		}
		r.log.Debug("reusing session memory")
	}

	err := r.execute(ctx)
	if err != nil {
		phase := r.state.Phase
		if phase == "" {
			phase = types.PhasePlanning
		}
		if re, ok := rerrors.As(err); ok && re.Phase == "" {
			re.WithPhase(string(phase))
		}
		r.log.Error("research failed", slog.String("phase", string(phase)), slog.String("error", err.Error()))
		r.publish(ctx, events.RunFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	elapsed := time.Since(start)
	citations := r.state.Citations
	result := &types.ResearchResult{
		SessionID:       sessionID,
		Query:           query,
		PlanID:          r.plan.ID,
		Report:          r.report,
		Artifacts:       r.verified,
		Citations:       citations,
		FindingsCount:   len(r.verified),
		CitationsCount:  len(citations),
		ExecutionTimeMs: elapsed.Milliseconds(),
		Progress:        r.state.Progress,
	}
	r.publish(ctx, events.RunCompleted, map[string]any{
		"findings":          result.FindingsCount,
		"citations":         result.CitationsCount,
		"execution_time_ms": result.ExecutionTimeMs,
	})
	r.log.Info("research completed",
		slog.Int("findings", result.FindingsCount),
		slog.Int("citations", result.CitationsCount),
		slog.Duration("took", elapsed))
	return result, nil
}

func (r *run) execute(ctx context.Context) error {
	pool, err := r.factory(ctx, r.sessionID)
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodePlanningFailed, "build worker pool")
	}
	for _, role := range []types.WorkerRole{types.RoleOrchestrator, types.RoleSearcher, types.RoleExtractor, types.RoleFactChecker} {
		if _, err := pool.For(role); err != nil {
			return rerrors.Wrap(err, rerrors.CodePlanningFailed, "incomplete worker pool")
		}
	}
	r.pool = pool
	r.orch, err = orchestrator.New(pool, orchestrator.WithTimeouts(r.timeouts), orchestrator.WithMaxTasks(r.limits.MaxTasks))
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodePlanningFailed, "build orchestrator")
	}

	steps := []struct {
		phase types.Phase
		fn    func(context.Context) error
	}{
		{types.PhasePlanning, r.planning},
		{types.PhaseSearching, r.searching},
		{types.PhaseAnalyzing, r.analyzing},
		{types.PhaseSynthesizing, r.synthesizing},
		{types.PhaseFinalizing, r.finalizing},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return rerrors.Wrap(err, rerrors.CodeRunCancelled, "research cancelled")
		}
		r.advance(ctx, step.phase)
		if err := step.fn(ctx); err != nil {
			return err
		}
	}
	r.advance(ctx, types.PhaseDone)
	return nil
}

// advance moves to phase, announces it and snapshots memory.
func (r *run) advance(ctx context.Context, phase types.Phase) {
	if !r.state.Advance(phase) {
		return
	}
	r.log.Info("phase changed", slog.String("phase", string(phase)), slog.Int("progress", r.state.Progress))
	r.publish(ctx, events.PhaseChanged, nil)
	r.saveMemory(ctx)
}

func (r *run) planning(ctx context.Context) error {
	previous, err := r.store.LoadFindings(ctx, r.sessionID)
	if err != nil {
		r.log.Warn("could not load previous findings", slog.String("error", err.Error()))
	}
	if stale := orchestrator.VerifyFreshness(previous, r.limits.FreshnessThreshold, r.now()); len(stale) > 0 {
		ids := make([]string, 0, len(stale))
		for _, a := range stale {
			ids = append(ids, a.ID)
		}
		r.log.Warn("stale findings from earlier runs", slog.Int("count", len(stale)), slog.Duration("threshold", r.limits.FreshnessThreshold))
		r.publish(ctx, events.StaleArtifacts, map[string]any{"artifact_ids": ids})
	}

	if mem, err := r.memory.ContextFor(r.sessionID, r.query); err == nil {
		r.rctx["memory"] = mem
	}

	plan, err := r.orch.PlanResearch(ctx, r.state.Snapshot(), r.query, r.rctx)
	if err != nil {
		return err
	}
	r.plan = plan
	r.state.PlanID = plan.ID
	r.persist(ctx, "plan", func(ctx context.Context) error { return r.store.SavePlan(ctx, plan) })

	tasks, quality, err := r.orch.DecomposeTasks(ctx, r.state.Snapshot(), r.query, plan)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		r.log.Warn("decomposition produced no tasks", slog.String("quality", string(quality)))
	}
	r.state.ActiveTasks = tasks
	r.note(fmt.Sprintf("Plan %s: %d objectives, %d search tasks.", plan.ID, len(plan.Objectives), len(tasks)))
	return nil
}

func (r *run) searching(ctx context.Context) error {
	tasks := r.state.ActiveTasks
	done := r.runBatches(ctx, r.pool.Searcher, tasks, timeout.OpSearch)

	var findings []types.ResearchArtifact
	var citations []types.Citation
	failed := 0
	for _, task := range done {
		if task.Status != types.TaskStatusCompleted {
			failed++
			r.log.Warn("task failed",
				slog.String("task_id", task.ID),
				slog.String("code", rerrors.CodeTaskExecutionFailed),
				slog.String("error", task.Error))
			continue
		}
		finding, citation := findingFromTask(task)
		findings = append(findings, finding)
		citations = append(citations, citation)
	}

	r.state.ActiveTasks = nil
	r.state.CompletedTasks = append(r.state.CompletedTasks, done...)
	r.state.Findings = findings
	r.state.Citations = citations

	r.persist(ctx, "tasks", func(ctx context.Context) error { return r.store.SaveTasks(ctx, done) })
	r.persist(ctx, "findings", func(ctx context.Context) error { return r.store.SaveArtifacts(ctx, findings) })
	r.persist(ctx, "citations", func(ctx context.Context) error { return r.store.SaveCitations(ctx, citations) })

	r.note(fmt.Sprintf("Searching produced %d findings from %d tasks (%d failed).", len(findings), len(done), failed))
	return nil
}

func (r *run) analyzing(ctx context.Context) error {
	r.analyses = r.analyzeFindings(ctx, r.state.Findings)
	r.persist(ctx, "analyses", func(ctx context.Context) error { return r.store.SaveArtifacts(ctx, r.analyses) })
	r.note(fmt.Sprintf("Analysis produced %d artifacts.", len(r.analyses)))

	completeness, err := r.orch.EvaluateCompleteness(ctx, r.state.Snapshot(), r.query, r.state.Findings, r.plan)
	if err != nil {
		r.log.Warn("completeness evaluation failed", slog.String("error", err.Error()))
		return nil
	}
	if !completeness.Complete {
		r.log.Info("research may be incomplete", slog.Any("gaps", completeness.Gaps), slog.String("quality", string(completeness.Quality)))
		for _, gap := range completeness.Gaps {
			r.note("Gap: " + gap)
		}
	}
	return nil
}

func (r *run) synthesizing(ctx context.Context) error {
	r.verified = r.verifyFindings(ctx, r.state.Findings)
	promoted := types.FilterKind(r.verified, types.ArtifactVerified)
	r.persist(ctx, "verified", func(ctx context.Context) error { return r.store.SaveArtifacts(ctx, promoted) })
	r.note(fmt.Sprintf("Verified %d of %d findings.", len(promoted), len(r.state.Findings)))
	return nil
}

func (r *run) finalizing(ctx context.Context) error {
	report, err := r.orch.SynthesizeFindings(ctx, r.state.Snapshot(), r.query, r.verified, r.state.Citations)
	if err != nil {
		return err
	}
	r.report = report

	if err := r.memory.AppendLongTerm(r.sessionID, r.verified); err != nil {
		r.log.Warn("could not update long-term memory", slog.String("error", err.Error()))
	}
	return nil
}

// note appends to short-term memory; failures are logged only.
func (r *run) note(text string) {
	if err := r.memory.AppendShortTerm(r.sessionID, text); err != nil {
		r.log.Warn("could not update short-term memory", slog.String("error", err.Error()))
	}
}

func (r *run) saveMemory(ctx context.Context) {
	mem, err := r.memory.Snapshot(r.sessionID)
	if err != nil {
		return
	}
	r.persist(ctx, "memory", func(ctx context.Context) error { return r.store.SaveMemory(ctx, mem) })
}

// persist retries a store write and logs a final failure.
func (r *run) persist(ctx context.Context, what string, fn func(context.Context) error) {
	cfg := r.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error) {
			r.log.Debug("retrying persistence", slog.String("what", what), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		}
	}
	err := retry.Do(ctx, func() error {
		return r.timeouts.Run(ctx, timeout.OpPersist, fn)
	}, cfg)
	if err != nil {
		r.log.Warn("persistence failed", slog.String("what", what), slog.String("error", err.Error()))
	}
}

func (r *run) publish(ctx context.Context, t events.Type, payload map[string]any) {
	e := events.Event{
		SessionID: r.sessionID,
		Type:      t,
		Phase:     string(r.state.Phase),
		Progress:  r.state.Progress,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.log.Warn("failed to publish event", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
