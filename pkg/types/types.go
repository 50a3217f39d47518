package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerRole represents the specialization of a worker agent
type WorkerRole string

const (
	RoleOrchestrator WorkerRole = "orchestrator"
	RoleSearcher     WorkerRole = "searcher"
	RoleExtractor    WorkerRole = "extractor"
	RoleFactChecker  WorkerRole = "fact_checker"
	RoleSynthesizer  WorkerRole = "synthesizer"
)

// Roles lists every worker role in pipeline order.
var Roles = []WorkerRole{RoleOrchestrator, RoleSearcher, RoleExtractor, RoleFactChecker, RoleSynthesizer}

// Valid reports whether r is one of the known roles.
func (r WorkerRole) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// TaskStatus represents the current state of a research task
type TaskStatus string

const (
	TaskStatusIdle      TaskStatus = "idle"
	TaskStatusThinking  TaskStatus = "thinking"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// allowed transitions; any non-terminal status may also move to failed.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusIdle:      {TaskStatusThinking, TaskStatusWaiting},
	TaskStatusWaiting:   {TaskStatusThinking},
	TaskStatusThinking:  {TaskStatusExecuting},
	TaskStatusExecuting: {TaskStatusCompleted},
}

// ToolResult is the outcome of a single tool call made while executing a task.
type ToolResult struct {
	Tool    string   `json:"tool" firestore:"tool"`
	Output  string   `json:"output,omitempty" firestore:"output,omitempty"`
	Sources []Source `json:"sources,omitempty" firestore:"sources,omitempty"`
	Error   string   `json:"error,omitempty" firestore:"error,omitempty"`
}

// Source is a ranked result returned by a search-style tool.
type Source struct {
	Title   string `json:"title" firestore:"title"`
	URL     string `json:"url" firestore:"url"`
	Snippet string `json:"snippet,omitempty" firestore:"snippet,omitempty"`
}

// TaskResult is the payload of a completed task.
type TaskResult struct {
	Text        string       `json:"text,omitempty" firestore:"text,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty" firestore:"tool_results,omitempty"`
}

// Sources returns every source reported by the task's tool calls, in call order.
func (r *TaskResult) Sources() []Source {
	if r == nil {
		return nil
	}
	var out []Source
	for _, tr := range r.ToolResults {
		out = append(out, tr.Sources...)
	}
	return out
}

// ResearchTask is a unit of work assigned to one worker role
type ResearchTask struct {
	ID          string         `json:"id" firestore:"id"`
	ParentID    string         `json:"parent_id,omitempty" firestore:"parent_id,omitempty"`
	SessionID   string         `json:"session_id" firestore:"session_id"`
	Role        WorkerRole     `json:"role" firestore:"role"`
	Description string         `json:"description" firestore:"description"`
	Context     map[string]any `json:"context,omitempty" firestore:"context,omitempty"`
	Status      TaskStatus     `json:"status" firestore:"status"`
	CreatedAt   time.Time      `json:"created_at" firestore:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" firestore:"updated_at"`
	Result      *TaskResult    `json:"result,omitempty" firestore:"result,omitempty"`
	Error       string         `json:"error,omitempty" firestore:"error,omitempty"`
}

// NewTask creates an idle task for the given role.
func NewTask(sessionID string, role WorkerRole, description string, taskContext map[string]any) ResearchTask {
	now := time.Now()
	if taskContext == nil {
		taskContext = make(map[string]any)
	}
	return ResearchTask{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        role,
		Description: description,
		Context:     taskContext,
		Status:      TaskStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the task to the next status. Terminal tasks are immutable.
func (t *ResearchTask) Transition(to TaskStatus) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is %s and cannot move to %s", t.ID, t.Status, to)
	}
	if to == TaskStatusFailed {
		t.Status = to
		t.UpdatedAt = time.Now()
		return nil
	}
	for _, next := range taskTransitions[t.Status] {
		if next == to {
			t.Status = to
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("task %s cannot move from %s to %s", t.ID, t.Status, to)
}

// Complete records the result and marks the task completed.
func (t *ResearchTask) Complete(result TaskResult) error {
	if err := t.Transition(TaskStatusCompleted); err != nil {
		return err
	}
	t.Result = &result
	return nil
}

// Fail records the error message and marks the task failed.
func (t *ResearchTask) Fail(msg string) error {
	if err := t.Transition(TaskStatusFailed); err != nil {
		return err
	}
	t.Error = msg
	return nil
}

// ContextString returns a string value from the task context.
func (t ResearchTask) ContextString(key string) string {
	if v, ok := t.Context[key].(string); ok {
		return v
	}
	return ""
}
