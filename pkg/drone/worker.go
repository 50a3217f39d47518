// Package drone implements the worker side of the research pipeline: every
// worker role exposes a single Execute operation that drives a task to a
// terminal status.
package drone

import (
	"context"
	"fmt"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Worker executes one task. The returned task is always completed (with
// Result set) or failed (with Error set); Execute never returns an error
// of its own.
type Worker interface {
	Role() types.WorkerRole
	Execute(ctx context.Context, task types.ResearchTask) types.ResearchTask
}

// Pool holds the workers of a single research run.
type Pool struct {
	Orchestrator Worker
	Searcher     Worker
	Extractor    Worker
	FactChecker  Worker
	Synthesizer  Worker
}

// For returns the worker serving role.
func (p *Pool) For(role types.WorkerRole) (Worker, error) {
	var w Worker
	switch role {
	case types.RoleOrchestrator:
		w = p.Orchestrator
	case types.RoleSearcher:
		w = p.Searcher
	case types.RoleExtractor:
		w = p.Extractor
	case types.RoleFactChecker:
		w = p.FactChecker
	case types.RoleSynthesizer:
		w = p.Synthesizer
	default:
		return nil, fmt.Errorf("unknown worker role %q", role)
	}
	if w == nil {
		return nil, fmt.Errorf("no %s worker in pool", role)
	}
	return w, nil
}

// Set installs w under its own role.
func (p *Pool) Set(w Worker) error {
	switch w.Role() {
	case types.RoleOrchestrator:
		p.Orchestrator = w
	case types.RoleSearcher:
		p.Searcher = w
	case types.RoleExtractor:
		p.Extractor = w
	case types.RoleFactChecker:
		p.FactChecker = w
	case types.RoleSynthesizer:
		p.Synthesizer = w
	default:
		return fmt.Errorf("unknown worker role %q", w.Role())
	}
	return nil
}

// Validate checks every role has a worker.
func (p *Pool) Validate() error {
	for _, role := range types.Roles {
		if _, err := p.For(role); err != nil {
			return err
		}
	}
	return nil
}

// Factory builds a fresh pool for one research run, so runs for different
// sessions never share worker instances.
type Factory func(ctx context.Context, sessionID string) (*Pool, error)

// WorkerFunc adapts a function to Worker.
type WorkerFunc struct {
	WorkerRole types.WorkerRole
	Fn         func(ctx context.Context, task types.ResearchTask) types.ResearchTask
}

// Role returns the worker's role.
func (w WorkerFunc) Role() types.WorkerRole { return w.WorkerRole }

// Execute calls Fn.
func (w WorkerFunc) Execute(ctx context.Context, task types.ResearchTask) types.ResearchTask {
	return w.Fn(ctx, task)
}

// failTask moves task to failed unless it is already terminal.
func failTask(task types.ResearchTask, format string, args ...any) types.ResearchTask {
	if !task.Status.Terminal() {
		_ = task.Fail(fmt.Sprintf(format, args...))
	}
	return task
}
