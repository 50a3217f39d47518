package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/spawn-mcp/research-coordinator/pkg/drone"
	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/events"
	"github.com/spawn-mcp/research-coordinator/pkg/memory"
	"github.com/spawn-mcp/research-coordinator/pkg/retry"
	"github.com/spawn-mcp/research-coordinator/pkg/store"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// answer builds a worker that completes a task with the returned text, or
// fails it when err is non-nil.
func answer(role types.WorkerRole, fn func(task types.ResearchTask) (types.TaskResult, error)) drone.Worker {
	return drone.WorkerFunc{WorkerRole: role, Fn: func(ctx context.Context, task types.ResearchTask) types.ResearchTask {
		_ = task.Transition(types.TaskStatusThinking)
		res, err := fn(task)
		if err != nil {
			_ = task.Fail(err.Error())
			return task
		}
		_ = task.Transition(types.TaskStatusExecuting)
		_ = task.Complete(res)
		return task
	}}
}

func text(s string) types.TaskResult { return types.TaskResult{Text: s} }

type fixture struct {
	tasks       int
	planErr     error
	searchErr   error
	verifyErr   error
	synthErr    error
	searcher    drone.Worker
	calls       sync.Map
	pools       int32
	recorder    *events.Recorder
	memStore    *store.MemStore
	coordinator *Coordinator
}

func (f *fixture) count(role types.WorkerRole) int {
	v, _ := f.calls.LoadOrStore(role, new(int32))
	return int(atomic.LoadInt32(v.(*int32)))
}

func (f *fixture) inc(role types.WorkerRole) {
	v, _ := f.calls.LoadOrStore(role, new(int32))
	atomic.AddInt32(v.(*int32), 1)
}

func (f *fixture) taskList() string {
	var b strings.Builder
	b.WriteString("Tasks:\n")
	for i := 1; i <= f.tasks; i++ {
		fmt.Fprintf(&b, "%d. search topic %d\n", i, i)
	}
	return b.String()
}

func (f *fixture) pool() *drone.Pool {
	searcher := f.searcher
	if searcher == nil {
		searcher = answer(types.RoleSearcher, func(task types.ResearchTask) (types.TaskResult, error) {
			f.inc(types.RoleSearcher)
			if f.searchErr != nil {
				return types.TaskResult{}, f.searchErr
			}
			return types.TaskResult{
				Text: "finding about " + task.Description,
				ToolResults: []types.ToolResult{{
					Tool:    "web_search",
					Output:  "[]",
					Sources: []types.Source{{Title: task.Description, URL: "https://example.com/" + strings.ReplaceAll(task.Description, " ", "-")}},
				}},
			}, nil
		})
	}
	return &drone.Pool{
		Orchestrator: answer(types.RoleOrchestrator, func(task types.ResearchTask) (types.TaskResult, error) {
			f.inc(types.RoleOrchestrator)
			switch {
			case strings.Contains(task.Description, "Create a research plan"):
				if f.planErr != nil {
					return types.TaskResult{}, f.planErr
				}
				return text("Objective: answer the question\nStep 1: search\nStep 2: verify"), nil
			case strings.Contains(task.Description, "Break this research"):
				return text(f.taskList()), nil
			default:
				return text("The research is complete."), nil
			}
		}),
		Searcher: searcher,
		Extractor: answer(types.RoleExtractor, func(task types.ResearchTask) (types.TaskResult, error) {
			f.inc(types.RoleExtractor)
			return text("entities of " + task.ContextString("artifact_id")), nil
		}),
		FactChecker: answer(types.RoleFactChecker, func(task types.ResearchTask) (types.TaskResult, error) {
			f.inc(types.RoleFactChecker)
			if f.verifyErr != nil {
				return types.TaskResult{}, f.verifyErr
			}
			return text("verified with high confidence"), nil
		}),
		Synthesizer: answer(types.RoleSynthesizer, func(task types.ResearchTask) (types.TaskResult, error) {
			f.inc(types.RoleSynthesizer)
			if f.synthErr != nil {
				return types.TaskResult{}, f.synthErr
			}
			return text("Report for: " + task.ContextString("query")), nil
		}),
	}
}

func (f *fixture) build(opts ...Option) *Coordinator {
	f.recorder = &events.Recorder{}
	if f.memStore == nil {
		f.memStore = store.NewMemStore()
	}
	factory := func(ctx context.Context, sessionID string) (*drone.Pool, error) {
		atomic.AddInt32(&f.pools, 1)
		return f.pool(), nil
	}
	all := append([]Option{WithStore(f.memStore), WithPublisher(f.recorder)}, opts...)
	f.coordinator = New(factory, memory.NewStore(), all...)
	return f.coordinator
}

func TestScenarioAllTasksSucceed(t *testing.T) {
	f := &fixture{tasks: 5}
	c := f.build()

	res, err := c.StartResearch(context.Background(), "s1", "What changed in Go generics?", nil)
	if err != nil {
		t.Fatalf("StartResearch: %v", err)
	}

	if res.FindingsCount != 5 || len(res.Artifacts) != 5 {
		t.Errorf("Expected 5 findings, but got %d (%d artifacts)", res.FindingsCount, len(res.Artifacts))
	}
	if res.CitationsCount != 5 || len(res.Citations) != 5 {
		t.Errorf("Expected 5 citations, but got %d", res.CitationsCount)
	}
	for _, a := range res.Artifacts {
		if a.Kind != types.ArtifactVerified || a.Metadata["derived_from"] == "" {
			t.Errorf("Expected verified artifact with provenance, got %+v", a)
		}
	}
	if res.Report == "" || res.Progress != 100 {
		t.Errorf("Expected report and progress 100, got %q %d", res.Report, res.Progress)
	}
	if got := f.count(types.RoleExtractor); got != 5 {
		t.Errorf("Expected 5 analyses, but got %d", got)
	}

	stored, _ := f.memStore.LoadFindings(context.Background(), "s1")
	if n := len(types.FilterKind(stored, types.ArtifactFinding)); n != 5 {
		t.Errorf("Expected 5 stored findings, but got %d", n)
	}
	if n := len(types.FilterKind(stored, types.ArtifactVerified)); n != 5 {
		t.Errorf("Expected 5 stored verified artifacts, but got %d", n)
	}
	if _, ok := f.memStore.Plan(res.PlanID); !ok {
		t.Errorf("Expected plan %s to be persisted", res.PlanID)
	}

	mem, err := c.Memory().Snapshot("s1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(mem.LongTerm, "[verified]") != 5 {
		t.Errorf("Expected 5 verified lines in long-term memory, got:\n%s", mem.LongTerm)
	}
	if saved, err := f.memStore.LoadMemory(context.Background(), "s1"); err != nil || saved.SessionID != "s1" {
		t.Errorf("Expected memory snapshot to be persisted, got %+v %v", saved, err)
	}
	if n := len(f.recorder.OfType(events.RunCompleted)); n != 1 {
		t.Errorf("Expected 1 run_completed event, but got %d", n)
	}
}

func TestScenarioNoTasks(t *testing.T) {
	f := &fixture{tasks: 0}
	res, err := f.build().StartResearch(context.Background(), "s1", "q", nil)
	if err != nil {
		t.Fatalf("Expected degenerate run to succeed, got %v", err)
	}
	if res.FindingsCount != 0 || res.CitationsCount != 0 {
		t.Errorf("Expected no findings or citations, got %d/%d", res.FindingsCount, res.CitationsCount)
	}
	if res.Report == "" {
		t.Errorf("Expected a report even without findings")
	}
	if f.count(types.RoleSearcher) != 0 {
		t.Errorf("Expected no searcher calls")
	}
}

func TestScenarioAllTasksFail(t *testing.T) {
	f := &fixture{tasks: 5, searchErr: errors.New("search backend down")}
	res, err := f.build().StartResearch(context.Background(), "s1", "q", nil)
	if err != nil {
		t.Fatalf("Expected run to survive task failures, got %v", err)
	}
	if f.count(types.RoleSearcher) != 5 {
		t.Errorf("Expected 5 searcher calls, but got %d", f.count(types.RoleSearcher))
	}
	if res.FindingsCount != 0 || res.CitationsCount != 0 || len(res.Artifacts) != 0 {
		t.Errorf("Expected empty result, got %+v", res)
	}
	if f.count(types.RoleExtractor) != 0 || f.count(types.RoleFactChecker) != 0 {
		t.Errorf("Expected no analysis or verification calls")
	}
	if res.Progress != 100 {
		t.Errorf("Expected progress 100, but got %d", res.Progress)
	}
}

func TestCompletedTaskWithoutResultFails(t *testing.T) {
	f := &fixture{tasks: 3}
	f.searcher = drone.WorkerFunc{WorkerRole: types.RoleSearcher, Fn: func(ctx context.Context, task types.ResearchTask) types.ResearchTask {
		f.inc(types.RoleSearcher)
		_ = task.Transition(types.TaskStatusThinking)
		_ = task.Transition(types.TaskStatusExecuting)
		_ = task.Transition(types.TaskStatusCompleted)
		return task
	}}

	res, err := f.build().StartResearch(context.Background(), "s1", "q", nil)
	if err != nil {
		t.Fatalf("Expected run to survive result-less tasks, got %v", err)
	}
	if f.count(types.RoleSearcher) != 3 {
		t.Errorf("Expected 3 searcher calls, but got %d", f.count(types.RoleSearcher))
	}
	if res.FindingsCount != 0 || res.CitationsCount != 0 {
		t.Errorf("Expected no findings or citations, got %d/%d", res.FindingsCount, res.CitationsCount)
	}
	if f.count(types.RoleExtractor) != 0 {
		t.Errorf("Expected no analysis calls")
	}
}

func TestPhaseProgression(t *testing.T) {
	f := &fixture{tasks: 2}
	if _, err := f.build().StartResearch(context.Background(), "s1", "q", nil); err != nil {
		t.Fatal(err)
	}

	var phases []string
	last := 0
	for _, e := range f.recorder.OfType(events.PhaseChanged) {
		phases = append(phases, e.Phase)
		if e.Progress < last {
			t.Errorf("progress went backwards: %d after %d", e.Progress, last)
		}
		last = e.Progress
	}
	want := []string{"planning", "searching", "analyzing", "synthesizing", "finalizing", "done"}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchSizes(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{7, 3, []int{3, 3, 1}},
		{5, 3, []int{3, 2}},
		{3, 3, []int{3}},
		{0, 3, nil},
		{2, 0, []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.size), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, batchSizes(tt.n, tt.size)); diff != "" {
				t.Errorf("sizes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBatchConcurrencyCeiling(t *testing.T) {
	var (
		mu       sync.Mutex
		log      []string
		inFlight int32
		peak     int32
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, s)
	}

	f := &fixture{tasks: 7}
	f.searcher = answer(types.RoleSearcher, func(task types.ResearchTask) (types.TaskResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		record("start " + task.Description)
		time.Sleep(20 * time.Millisecond)
		record("end " + task.Description)
		atomic.AddInt32(&inFlight, -1)
		return text("ok"), nil
	})

	res, err := f.build(WithLimits(Limits{Concurrency: 3, MaxTasks: 7, MaxAnalyses: 1, MaxVerifications: 1})).
		StartResearch(context.Background(), "s1", "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Citations) != 7 {
		t.Errorf("Expected 7 citations, but got %d", len(res.Citations))
	}
	if peak > 3 {
		t.Errorf("Expected at most 3 tasks in flight, but saw %d", peak)
	}

	batchOf := func(entry string) int {
		var n int
		fmt.Sscanf(entry[strings.LastIndex(entry, " ")+1:], "%d", &n)
		return (n - 1) / 3
	}
	ended := map[int]int{}
	sizes := []int{3, 3, 1}
	for _, entry := range log {
		b := batchOf(entry)
		if strings.HasPrefix(entry, "start") && b > 0 && ended[b-1] != sizes[b-1] {
			t.Errorf("%q started before batch %d finished", entry, b)
		}
		if strings.HasPrefix(entry, "end") {
			ended[b]++
		}
	}
}

func TestVerificationFallback(t *testing.T) {
	f := &fixture{tasks: 4, verifyErr: errors.New("checker offline")}
	res, err := f.build().StartResearch(context.Background(), "s1", "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FindingsCount != 4 {
		t.Fatalf("Expected the 4 original findings, but got %d", res.FindingsCount)
	}
	for _, a := range res.Artifacts {
		if a.Kind != types.ArtifactFinding {
			t.Errorf("Expected unverified finding, got %s", a.Kind)
		}
	}
}

func TestVerifyFindingsKeepsOriginalOnFailure(t *testing.T) {
	f := &fixture{}
	c := f.build(WithLimits(Limits{MaxVerifications: 2}))
	calls := 0
	pool := f.pool()
	pool.FactChecker = answer(types.RoleFactChecker, func(task types.ResearchTask) (types.TaskResult, error) {
		calls++
		if calls == 1 {
			return types.TaskResult{}, errors.New("no sources")
		}
		return text("holds"), nil
	})
	r := &run{Coordinator: c, sessionID: "s1", state: types.NewOrchestratorState("s1"), pool: pool, log: c.log}

	in := []types.ResearchArtifact{
		types.NewArtifact("s1", "t1", types.ArtifactFinding, "a", nil),
		types.NewArtifact("s1", "t2", types.ArtifactFinding, "b", nil),
		types.NewArtifact("s1", "t3", types.ArtifactFinding, "c", nil),
	}
	out := r.verifyFindings(context.Background(), in)

	var kinds []types.ArtifactKind
	for _, a := range out {
		kinds = append(kinds, a.Kind)
	}
	want := []types.ArtifactKind{types.ArtifactFinding, types.ArtifactVerified, types.ArtifactFinding}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if out[0].ID != in[0].ID || out[1].ID == in[1].ID || out[1].Metadata["derived_from"] != in[1].ID {
		t.Errorf("Expected original kept and a new verified artifact derived from %s", in[1].ID)
	}
	if in[1].Kind != types.ArtifactFinding {
		t.Errorf("Expected input finding to be left untouched")
	}
}

func TestFatalErrorsCarryPhase(t *testing.T) {
	tests := []struct {
		name     string
		fixture  *fixture
		sentinel error
		phase    types.Phase
	}{
		{"planning", &fixture{tasks: 3, planErr: errors.New("model down")}, rerrors.PlanningFailed, types.PhasePlanning},
		{"synthesis", &fixture{tasks: 3, synthErr: errors.New("context too long")}, rerrors.SynthesisFailed, types.PhaseFinalizing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.fixture.build().StartResearch(context.Background(), "s1", "q", nil)
			if res != nil {
				t.Errorf("Expected no partial result")
			}
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("Expected %v, but got %v", tt.sentinel, err)
			}
			if got := rerrors.PhaseOf(err); got != string(tt.phase) {
				t.Errorf("Expected phase %s, but got %q", tt.phase, got)
			}
			failed := tt.fixture.recorder.OfType(events.RunFailed)
			if len(failed) != 1 || failed[0].Phase != string(tt.phase) {
				t.Errorf("Expected one run_failed event in %s, got %+v", tt.phase, failed)
			}
		})
	}
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&fixture{tasks: 1}).build().StartResearch(ctx, "s1", "q", nil)
	if !errors.Is(err, rerrors.RunCancelled) || rerrors.PhaseOf(err) != string(types.PhasePlanning) {
		t.Errorf("Expected cancellation in planning, but got %v", err)
	}
}

func TestInvalidInput(t *testing.T) {
	_, err := (&fixture{}).build().StartResearch(context.Background(), "", "q", nil)
	if !errors.Is(err, rerrors.InvalidInput) {
		t.Errorf("Expected InvalidInput, but got %v", err)
	}
}

func TestStaleFindingsAreFlagged(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	old := types.NewArtifact("s1", "t0", types.ArtifactFinding, "old finding", nil)
	old.RetrievedAt = now.Add(-48 * time.Hour)
	fresh := types.NewArtifact("s1", "t0", types.ArtifactFinding, "fresh finding", nil)
	fresh.RetrievedAt = now.Add(-time.Hour)

	ms := store.NewMemStore()
	_ = ms.SaveArtifacts(context.Background(), []types.ResearchArtifact{old, fresh})

	f := &fixture{tasks: 1, memStore: ms}
	if _, err := f.build(WithClock(func() time.Time { return now })).StartResearch(context.Background(), "s1", "q", nil); err != nil {
		t.Fatalf("Expected stale findings to be non-fatal, got %v", err)
	}
	stale := f.recorder.OfType(events.StaleArtifacts)
	if len(stale) != 1 {
		t.Fatalf("Expected one stale_artifacts event, but got %d", len(stale))
	}
	if diff := cmp.Diff([]string{old.ID}, stale[0].Payload["artifact_ids"]); diff != "" {
		t.Errorf("stale ids mismatch (-want +got):\n%s", diff)
	}
}

func TestRepeatedRunsReuseMemoryAndBuildFreshPools(t *testing.T) {
	f := &fixture{tasks: 2}
	c := f.build()
	for i := 0; i < 2; i++ {
		if _, err := c.StartResearch(context.Background(), "s1", "q", nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if f.pools != 2 {
		t.Errorf("Expected a pool per run, but got %d", f.pools)
	}
	mem, _ := c.Memory().Snapshot("s1")
	if strings.Count(mem.LongTerm, "[verified]") != 4 {
		t.Errorf("Expected findings of both runs in long-term memory, got:\n%s", mem.LongTerm)
	}
}

func TestIncompletePoolIsFatal(t *testing.T) {
	factory := func(ctx context.Context, sessionID string) (*drone.Pool, error) {
		return &drone.Pool{Orchestrator: answer(types.RoleOrchestrator, func(types.ResearchTask) (types.TaskResult, error) {
			return text("x"), nil
		})}, nil
	}
	_, err := New(factory, nil).StartResearch(context.Background(), "s1", "q", nil)
	if !errors.Is(err, rerrors.PlanningFailed) {
		t.Errorf("Expected PlanningFailed, but got %v", err)
	}
}

// flakyStore fails the first SavePlan call.
type flakyStore struct {
	*store.MemStore
	planCalls int32
}

func (s *flakyStore) SavePlan(ctx context.Context, plan types.ResearchPlan) error {
	if atomic.AddInt32(&s.planCalls, 1) == 1 {
		return errors.New("store unavailable")
	}
	return s.MemStore.SavePlan(ctx, plan)
}

func TestPersistRetriesWithoutStrategy(t *testing.T) {
	st := &flakyStore{MemStore: store.NewMemStore()}
	f := &fixture{tasks: 1}
	c := f.build(WithStore(st), WithRetry(retry.Config{MaxAttempts: 3}))

	if _, err := c.StartResearch(context.Background(), "s1", "q", nil); err != nil {
		t.Fatalf("StartResearch: %v", err)
	}
	if n := atomic.LoadInt32(&st.planCalls); n != 2 {
		t.Errorf("Expected the plan write to be retried once, but got %d calls", n)
	}
}
