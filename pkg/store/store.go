// Package store persists the values a research run emits: plans, tasks,
// artifacts, citations and memory snapshots.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary. A run only reads back at the start
// of planning (LoadFindings) and everything else is write-only.
type Store interface {
	SavePlan(ctx context.Context, plan types.ResearchPlan) error
	SaveTasks(ctx context.Context, tasks []types.ResearchTask) error
	SaveArtifacts(ctx context.Context, artifacts []types.ResearchArtifact) error
	SaveCitations(ctx context.Context, citations []types.Citation) error
	SaveMemory(ctx context.Context, mem types.ResearchMemory) error

	// LoadFindings returns the session's stored finding and verified
	// artifacts, oldest first.
	LoadFindings(ctx context.Context, sessionID string) ([]types.ResearchArtifact, error)
	// LoadMemory returns the last saved memory snapshot or ErrNotFound.
	LoadMemory(ctx context.Context, sessionID string) (types.ResearchMemory, error)

	Close() error
}

// isFinding reports whether an artifact seeds the freshness check.
func isFinding(a types.ResearchArtifact) bool {
	return a.Kind == types.ArtifactFinding || a.Kind == types.ArtifactVerified
}

// MemStore implements Store in memory.
type MemStore struct {
	mu        sync.RWMutex
	plans     map[string]types.ResearchPlan
	tasks     map[string]types.ResearchTask
	artifacts map[string]types.ResearchArtifact
	citations map[string]types.Citation
	memory    map[string]types.ResearchMemory
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		plans:     make(map[string]types.ResearchPlan),
		tasks:     make(map[string]types.ResearchTask),
		artifacts: make(map[string]types.ResearchArtifact),
		citations: make(map[string]types.Citation),
		memory:    make(map[string]types.ResearchMemory),
	}
}

func (s *MemStore) SavePlan(ctx context.Context, plan types.ResearchPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemStore) SaveTasks(ctx context.Context, tasks []types.ResearchTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *MemStore) SaveArtifacts(ctx context.Context, artifacts []types.ResearchArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range artifacts {
		s.artifacts[a.ID] = a
	}
	return nil
}

func (s *MemStore) SaveCitations(ctx context.Context, citations []types.Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range citations {
		s.citations[c.ID] = c
	}
	return nil
}

func (s *MemStore) SaveMemory(ctx context.Context, mem types.ResearchMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[mem.SessionID] = mem
	return nil
}

func (s *MemStore) LoadFindings(ctx context.Context, sessionID string) ([]types.ResearchArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ResearchArtifact
	for _, a := range s.artifacts {
		if a.SessionID == sessionID && isFinding(a) {
			out = append(out, a)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemStore) LoadMemory(ctx context.Context, sessionID string) (types.ResearchMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mem, ok := s.memory[sessionID]
	if !ok {
		return types.ResearchMemory{}, ErrNotFound
	}
	return mem, nil
}

// Plan returns a saved plan.
func (s *MemStore) Plan(id string) (types.ResearchPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	return p, ok
}

// Tasks returns the saved tasks of a session.
func (s *MemStore) Tasks(sessionID string) []types.ResearchTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ResearchTask
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Citations returns the saved citations of a session.
func (s *MemStore) Citations(sessionID string) []types.Citation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Citation
	for _, c := range s.citations {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessedAt.Before(out[j].AccessedAt) })
	return out
}

func (s *MemStore) Close() error { return nil }

func sortByCreated(artifacts []types.ResearchArtifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
}
