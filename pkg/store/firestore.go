package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/gcp"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Firestore collection names.
const (
	CollectionPlans     = "research_plans"
	CollectionTasks     = "research_tasks"
	CollectionArtifacts = "research_artifacts"
	CollectionCitations = "research_citations"
	CollectionMemory    = "research_memory"
)

// FirestoreStore implements Store on Firestore through the GCP client.
// Documents are keyed by their own ids; memory is keyed by session.
type FirestoreStore struct {
	client *gcp.Client
}

// NewFirestoreStore uses client's Firestore connection. Closing the store
// does not close the client.
func NewFirestoreStore(client *gcp.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) SavePlan(ctx context.Context, plan types.ResearchPlan) error {
	if err := s.client.StoreDocument(ctx, CollectionPlans, plan.ID, plan); err != nil {
		return persistErr(err, "plan")
	}
	return nil
}

func (s *FirestoreStore) SaveTasks(ctx context.Context, tasks []types.ResearchTask) error {
	docs := make(map[string]any, len(tasks))
	for _, t := range tasks {
		docs[t.ID] = t
	}
	if err := s.client.StoreDocuments(ctx, CollectionTasks, docs); err != nil {
		return persistErr(err, "tasks")
	}
	return nil
}

func (s *FirestoreStore) SaveArtifacts(ctx context.Context, artifacts []types.ResearchArtifact) error {
	docs := make(map[string]any, len(artifacts))
	for _, a := range artifacts {
		docs[a.ID] = a
	}
	if err := s.client.StoreDocuments(ctx, CollectionArtifacts, docs); err != nil {
		return persistErr(err, "artifacts")
	}
	return nil
}

func (s *FirestoreStore) SaveCitations(ctx context.Context, citations []types.Citation) error {
	docs := make(map[string]any, len(citations))
	for _, c := range citations {
		docs[c.ID] = c
	}
	if err := s.client.StoreDocuments(ctx, CollectionCitations, docs); err != nil {
		return persistErr(err, "citations")
	}
	return nil
}

func (s *FirestoreStore) SaveMemory(ctx context.Context, mem types.ResearchMemory) error {
	if err := s.client.StoreDocument(ctx, CollectionMemory, mem.SessionID, mem); err != nil {
		return persistErr(err, "memory")
	}
	return nil
}

// LoadFindings sorts client side so no composite index is needed.
func (s *FirestoreStore) LoadFindings(ctx context.Context, sessionID string) ([]types.ResearchArtifact, error) {
	q := s.client.FirestoreClient.Collection(CollectionArtifacts).
		Where("session_id", "==", sessionID).
		Where("kind", "in", []string{string(types.ArtifactFinding), string(types.ArtifactVerified)})

	var out []types.ResearchArtifact
	err := s.client.QueryDocuments(ctx, q, func(doc *firestore.DocumentSnapshot) error {
		var a types.ResearchArtifact
		if err := doc.DataTo(&a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodePersistenceFailed, "load findings")
	}
	sortByCreated(out)
	return out, nil
}

func (s *FirestoreStore) LoadMemory(ctx context.Context, sessionID string) (types.ResearchMemory, error) {
	var mem types.ResearchMemory
	if err := s.client.GetDocument(ctx, CollectionMemory, sessionID, &mem); err != nil {
		if status.Code(unwrapAll(err)) == codes.NotFound {
			return types.ResearchMemory{}, ErrNotFound
		}
		return types.ResearchMemory{}, fmt.Errorf("load memory: %w", err)
	}
	return mem, nil
}

// Close is a no-op; the GCP client is owned by the caller.
func (s *FirestoreStore) Close() error { return nil }

// unwrapAll returns the innermost wrapped error, where the gRPC status lives.
func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok || u.Unwrap() == nil {
			return err
		}
		err = u.Unwrap()
	}
}
