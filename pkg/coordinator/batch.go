package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/spawn-mcp/research-coordinator/pkg/drone"
	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/timeout"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// batchSizes splits n tasks into consecutive batches of at most size.
func batchSizes(n, size int) []int {
	if size < 1 {
		size = 1
	}
	var sizes []int
	for n > 0 {
		b := min(n, size)
		sizes = append(sizes, b)
		n -= b
	}
	return sizes
}

// runBatches executes tasks in fixed batches of the configured
// concurrency. Tasks inside a batch run in parallel; the next batch starts
// only after every task of the current one is terminal. The returned slice
// is index-aligned with tasks.
func (r *run) runBatches(ctx context.Context, w drone.Worker, tasks []types.ResearchTask, op string) []types.ResearchTask {
	done := make([]types.ResearchTask, len(tasks))
	offset := 0
	for n, size := range batchSizes(len(tasks), r.limits.Concurrency) {
		r.log.Debug("dispatching batch", slog.Int("batch", n+1), slog.Int("size", size))

		g, gCtx := errgroup.WithContext(ctx)
		for i := offset; i < offset+size; i++ {
			i := i
			g.Go(func() error {
				done[i] = r.execTask(gCtx, w, tasks[i], op)
				return nil
			})
		}
		_ = g.Wait()
		offset += size
	}
	return done
}

// execTask runs one task under its operation timeout. A worker that hands
// back a non-terminal task, or a completed one without a result, is treated
// as having failed it.
func (r *run) execTask(ctx context.Context, w drone.Worker, task types.ResearchTask, op string) types.ResearchTask {
	ctx, cancel := r.timeouts.WithTimeout(ctx, op)
	defer cancel()

	done := w.Execute(ctx, task)
	if !done.Status.Terminal() {
		_ = done.Fail(fmt.Sprintf("worker returned task in status %s", done.Status))
	}
	if done.Status == types.TaskStatusCompleted && done.Result == nil {
		done.Status = types.TaskStatusFailed
		done.Error = "worker returned completed task without result"
	}
	if done.Status == types.TaskStatusFailed && ctx.Err() != nil {
		done.Error = fmt.Sprintf("%s (%v)", done.Error, ctx.Err())
	}
	return done
}

// findingFromTask turns a completed searcher task into a finding and the
// citation for its first reported source.
func findingFromTask(task types.ResearchTask) (types.ResearchArtifact, types.Citation) {
	content := task.Result.Text
	if content == "" {
		var parts []string
		for _, tr := range task.Result.ToolResults {
			if tr.Output != "" {
				parts = append(parts, tr.Output)
			}
		}
		content = strings.Join(parts, "\n\n")
	}

	finding := types.NewArtifact(task.SessionID, task.ID, types.ArtifactFinding, content, map[string]any{
		"task":       task.Description,
		"role":       string(task.Role),
		"tool_calls": len(task.Result.ToolResults),
		"sources":    len(task.Result.Sources()),
	})

	for _, tr := range task.Result.ToolResults {
		if len(tr.Sources) > 0 {
			src := tr.Sources[0]
			return finding, types.NewCitation(finding, tr.Tool, src.URL, src.Title)
		}
	}
	return finding, types.NewCitation(finding, string(task.Role)+":"+task.ID, "", task.Description)
}

// analyzeFindings runs up to MaxAnalyses findings through the extractor,
// one at a time. Failed extractions produce nothing.
func (r *run) analyzeFindings(ctx context.Context, findings []types.ResearchArtifact) []types.ResearchArtifact {
	var out []types.ResearchArtifact
	for _, f := range findings[:min(len(findings), r.limits.MaxAnalyses)] {
		task := types.NewTask(r.sessionID, types.RoleExtractor,
			"Extract the key entities, figures and claims from this finding:\n\n"+f.Content,
			map[string]any{"artifact_id": f.ID, "query": r.query})
		task.ParentID = f.TaskID

		done := r.execTask(ctx, r.pool.Extractor, task, timeout.OpExtract)
		r.state.CompletedTasks = append(r.state.CompletedTasks, done)
		if done.Status != types.TaskStatusCompleted {
			err := rerrors.New(rerrors.CodeAnalysisFailed, done.Error).WithContext("artifact_id", f.ID)
			r.log.Warn("analysis skipped", slog.String("artifact_id", f.ID), slog.String("error", err.Error()))
			continue
		}

		text := done.Result.Text
		if text == "" && len(done.Result.ToolResults) > 0 {
			text = done.Result.ToolResults[0].Output
		}
		a := types.NewArtifact(r.sessionID, done.ID, types.ArtifactAnalysis, text, map[string]any{"derived_from": f.ID})
		a.RetrievedAt = f.RetrievedAt
		out = append(out, a)
	}
	return out
}

// verifyFindings runs up to MaxVerifications findings through the fact
// checker, one at a time. A success adds a new verified artifact in place
// of the finding; a failure keeps the original. Findings past the limit
// are kept as they are. If nothing verifies, the input is returned whole.
func (r *run) verifyFindings(ctx context.Context, findings []types.ResearchArtifact) []types.ResearchArtifact {
	limit := min(len(findings), r.limits.MaxVerifications)
	out := make([]types.ResearchArtifact, 0, len(findings))
	verified := 0

	for _, f := range findings[:limit] {
		task := types.NewTask(r.sessionID, types.RoleFactChecker,
			"Check whether this claim holds and how confident you are:\n\n"+f.Content,
			map[string]any{"artifact_id": f.ID, "claim": f.Content, "query": r.query})
		task.ParentID = f.TaskID

		done := r.execTask(ctx, r.pool.FactChecker, task, timeout.OpVerify)
		r.state.CompletedTasks = append(r.state.CompletedTasks, done)
		if done.Status != types.TaskStatusCompleted {
			err := rerrors.New(rerrors.CodeVerificationFailed, done.Error).WithContext("artifact_id", f.ID)
			r.log.Warn("verification failed, keeping original", slog.String("artifact_id", f.ID), slog.String("error", err.Error()))
			out = append(out, f)
			continue
		}

		extra := map[string]any{
			"verification": done.Result.Text,
			"verified_by":  done.ID,
		}
		for _, tr := range done.Result.ToolResults {
			if tr.Output != "" {
				extra["verification_"+tr.Tool] = tr.Output
			}
		}
		out = append(out, f.Promote(types.ArtifactVerified, done.ID, extra))
		verified++
	}
	out = append(out, findings[limit:]...)

	if verified == 0 {
		return append([]types.ResearchArtifact(nil), findings...)
	}
	return out
}
