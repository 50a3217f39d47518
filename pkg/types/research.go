package types

import (
	"time"

	"github.com/google/uuid"
)

// ParseQuality records how confidently free text was parsed into structure.
type ParseQuality string

const (
	// ParseConfident means the expected markers were found in the text.
	ParseConfident ParseQuality = "confident"
	// ParseAmbiguous means defaults or fallbacks were used.
	ParseAmbiguous ParseQuality = "ambiguous"
)

// ResearchPlan is created once per research invocation and never modified.
type ResearchPlan struct {
	ID             string       `json:"id" firestore:"id"`
	SessionID      string       `json:"session_id" firestore:"session_id"`
	UserID         string       `json:"user_id,omitempty" firestore:"user_id,omitempty"`
	Query          string       `json:"query" firestore:"query"`
	Objectives     []string     `json:"objectives" firestore:"objectives"`
	Strategy       string       `json:"strategy" firestore:"strategy"`
	EstimatedSteps int          `json:"estimated_steps" firestore:"estimated_steps"`
	Quality        ParseQuality `json:"quality" firestore:"quality"`
	CreatedAt      time.Time    `json:"created_at" firestore:"created_at"`
}

// NewPlanID returns a fresh plan identifier.
func NewPlanID() string {
	return uuid.New().String()
}

// ResearchMemory is the per-session working memory
type ResearchMemory struct {
	SessionID   string    `json:"session_id" firestore:"session_id"`
	ShortTerm   string    `json:"short_term" firestore:"short_term"`
	LongTerm    string    `json:"long_term" firestore:"long_term"`
	LastUpdated time.Time `json:"last_updated" firestore:"last_updated"`
}

// Phase is one stage of the research pipeline
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseSearching    Phase = "searching"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseFinalizing   Phase = "finalizing"
	PhaseDone         Phase = "done"
)

// Phases lists every phase in pipeline order.
var Phases = []Phase{PhasePlanning, PhaseSearching, PhaseAnalyzing, PhaseSynthesizing, PhaseFinalizing, PhaseDone}

var phaseProgress = map[Phase]int{
	PhasePlanning:     10,
	PhaseSearching:    30,
	PhaseAnalyzing:    60,
	PhaseSynthesizing: 80,
	PhaseFinalizing:   90,
	PhaseDone:         100,
}

// Progress returns the completion percentage reached on entering p.
func (p Phase) Progress() int {
	return phaseProgress[p]
}

// order returns the position of p in the pipeline, or -1.
func (p Phase) order() int {
	for i, known := range Phases {
		if p == known {
			return i
		}
	}
	return -1
}

// OrchestratorState is the canonical run state owned by the coordinator.
type OrchestratorState struct {
	SessionID      string             `json:"session_id"`
	PlanID         string             `json:"plan_id,omitempty"`
	ActiveTasks    []ResearchTask     `json:"active_tasks,omitempty"`
	CompletedTasks []ResearchTask     `json:"completed_tasks,omitempty"`
	Findings       []ResearchArtifact `json:"findings,omitempty"`
	Citations      []Citation         `json:"citations,omitempty"`
	Phase          Phase              `json:"phase"`
	Progress       int                `json:"progress"`
}

// NewOrchestratorState returns the state of a run that has not started a phase yet.
func NewOrchestratorState(sessionID string) *OrchestratorState {
	return &OrchestratorState{SessionID: sessionID}
}

// Advance moves the state to phase p. Phases never move backwards and
// progress never decreases; an out-of-order request is ignored and false
// is returned.
func (s *OrchestratorState) Advance(p Phase) bool {
	next := p.order()
	if next < 0 {
		return false
	}
	if s.Phase != "" && next <= s.Phase.order() {
		return false
	}
	s.Phase = p
	if prog := p.Progress(); prog > s.Progress {
		s.Progress = prog
	}
	return true
}

// Snapshot returns a deep copy that can be handed to collaborators.
func (s *OrchestratorState) Snapshot() OrchestratorState {
	return OrchestratorState{
		SessionID:      s.SessionID,
		PlanID:         s.PlanID,
		ActiveTasks:    append([]ResearchTask(nil), s.ActiveTasks...),
		CompletedTasks: append([]ResearchTask(nil), s.CompletedTasks...),
		Findings:       append([]ResearchArtifact(nil), s.Findings...),
		Citations:      append([]Citation(nil), s.Citations...),
		Phase:          s.Phase,
		Progress:       s.Progress,
	}
}

// ResearchResult is returned by a completed research invocation.
type ResearchResult struct {
	SessionID       string             `json:"session_id"`
	Query           string             `json:"query"`
	PlanID          string             `json:"plan_id,omitempty"`
	Report          string             `json:"report"`
	Artifacts       []ResearchArtifact `json:"artifacts"`
	Citations       []Citation         `json:"citations"`
	FindingsCount   int                `json:"findings_count"`
	CitationsCount  int                `json:"citations_count"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	Progress        int                `json:"progress"`
}
