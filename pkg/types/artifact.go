package types

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactKind classifies a piece of evidence
type ArtifactKind string

const (
	ArtifactSource   ArtifactKind = "source"
	ArtifactFinding  ArtifactKind = "finding"
	ArtifactAnalysis ArtifactKind = "analysis"
	ArtifactCitation ArtifactKind = "citation"
	ArtifactVerified ArtifactKind = "verified"
)

// ResearchArtifact is a unit of evidence produced during research.
// Artifacts are never mutated once created; analysis and verification
// produce new artifacts that point back to the original.
type ResearchArtifact struct {
	ID          string         `json:"id" firestore:"id"`
	TaskID      string         `json:"task_id" firestore:"task_id"`
	SessionID   string         `json:"session_id" firestore:"session_id"`
	Kind        ArtifactKind   `json:"kind" firestore:"kind"`
	Content     string         `json:"content" firestore:"content"`
	Metadata    map[string]any `json:"metadata,omitempty" firestore:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at" firestore:"created_at"`
	RetrievedAt time.Time      `json:"retrieved_at" firestore:"retrieved_at"`
}

// NewArtifact creates an artifact retrieved now.
func NewArtifact(sessionID, taskID string, kind ArtifactKind, content string, metadata map[string]any) ResearchArtifact {
	now := time.Now()
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return ResearchArtifact{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		SessionID:   sessionID,
		Kind:        kind,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   now,
		RetrievedAt: now,
	}
}

// Promote derives a new artifact of the given kind from a, keeping the
// original content, retrieval time and metadata and recording provenance.
func (a ResearchArtifact) Promote(kind ArtifactKind, taskID string, extra map[string]any) ResearchArtifact {
	metadata := make(map[string]any, len(a.Metadata)+len(extra)+1)
	for k, v := range a.Metadata {
		metadata[k] = v
	}
	for k, v := range extra {
		metadata[k] = v
	}
	metadata["derived_from"] = a.ID
	return ResearchArtifact{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		SessionID:   a.SessionID,
		Kind:        kind,
		Content:     a.Content,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
		RetrievedAt: a.RetrievedAt,
	}
}

// Citation attaches a source to an artifact
type Citation struct {
	ID         string    `json:"id" firestore:"id"`
	ArtifactID string    `json:"artifact_id" firestore:"artifact_id"`
	SessionID  string    `json:"session_id" firestore:"session_id"`
	Source     string    `json:"source" firestore:"source"`
	URL        string    `json:"url,omitempty" firestore:"url,omitempty"`
	Title      string    `json:"title,omitempty" firestore:"title,omitempty"`
	AccessedAt time.Time `json:"accessed_at" firestore:"accessed_at"`
}

// NewCitation creates a citation for the artifact.
func NewCitation(artifact ResearchArtifact, source, url, title string) Citation {
	return Citation{
		ID:         uuid.New().String(),
		ArtifactID: artifact.ID,
		SessionID:  artifact.SessionID,
		Source:     source,
		URL:        url,
		Title:      title,
		AccessedAt: time.Now(),
	}
}

// FilterKind returns the artifacts of the given kind, preserving order.
func FilterKind(artifacts []ResearchArtifact, kind ArtifactKind) []ResearchArtifact {
	var out []ResearchArtifact
	for _, a := range artifacts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
