package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	user_id         TEXT,
	query           TEXT NOT NULL,
	objectives      TEXT NOT NULL,
	strategy        TEXT,
	estimated_steps INTEGER NOT NULL,
	quality         TEXT,
	created_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	parent_id   TEXT,
	role        TEXT NOT NULL,
	description TEXT NOT NULL,
	context     TEXT,
	status      TEXT NOT NULL,
	result      TEXT,
	error       TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	task_id      TEXT,
	kind         TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT,
	created_at   TEXT NOT NULL,
	retrieved_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, kind);
CREATE TABLE IF NOT EXISTS citations (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	source      TEXT NOT NULL,
	url         TEXT,
	title       TEXT,
	accessed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS memory (
	session_id   TEXT PRIMARY KEY,
	short_term   TEXT NOT NULL,
	long_term    TEXT NOT NULL,
	last_updated TEXT NOT NULL
);
`

// SQLStore implements Store with SQLite.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite DB at path, creating the parent
// directory when needed.
func OpenSQLite(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func persistErr(err error, what string) error {
	return rerrors.Wrap(err, rerrors.CodePersistenceFailed, "save "+what)
}

func (s *SQLStore) SavePlan(ctx context.Context, p types.ResearchPlan) error {
	objectives, err := toJSON(p.Objectives)
	if err != nil {
		return persistErr(err, "plan")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO plans(id, session_id, user_id, query, objectives, strategy, estimated_steps, quality, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.UserID, p.Query, objectives, p.Strategy, p.EstimatedSteps, string(p.Quality), ts(p.CreatedAt))
	if err != nil {
		return persistErr(err, "plan")
	}
	return nil
}

func (s *SQLStore) SaveTasks(ctx context.Context, tasks []types.ResearchTask) error {
	return s.inTx(ctx, "tasks", func(tx *sql.Tx) error {
		for _, t := range tasks {
			taskCtx, err := toJSON(t.Context)
			if err != nil {
				return err
			}
			var result sql.NullString
			if t.Result != nil {
				r, err := toJSON(t.Result)
				if err != nil {
					return err
				}
				result = sql.NullString{String: r, Valid: true}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO tasks(id, session_id, parent_id, role, description, context, status, result, error, created_at, updated_at)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, t.SessionID, t.ParentID, string(t.Role), t.Description, taskCtx, string(t.Status), result, t.Error,
				ts(t.CreatedAt), ts(t.UpdatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) SaveArtifacts(ctx context.Context, artifacts []types.ResearchArtifact) error {
	return s.inTx(ctx, "artifacts", func(tx *sql.Tx) error {
		for _, a := range artifacts {
			metadata, err := toJSON(a.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO artifacts(id, session_id, task_id, kind, content, metadata, created_at, retrieved_at)
				 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.SessionID, a.TaskID, string(a.Kind), a.Content, metadata, ts(a.CreatedAt), ts(a.RetrievedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) SaveCitations(ctx context.Context, citations []types.Citation) error {
	return s.inTx(ctx, "citations", func(tx *sql.Tx) error {
		for _, c := range citations {
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO citations(id, session_id, artifact_id, source, url, title, accessed_at)
				 VALUES(?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.SessionID, c.ArtifactID, c.Source, c.URL, c.Title, ts(c.AccessedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) SaveMemory(ctx context.Context, mem types.ResearchMemory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory(session_id, short_term, long_term, last_updated) VALUES(?, ?, ?, ?)`,
		mem.SessionID, mem.ShortTerm, mem.LongTerm, ts(mem.LastUpdated))
	if err != nil {
		return persistErr(err, "memory")
	}
	return nil
}

func (s *SQLStore) LoadFindings(ctx context.Context, sessionID string) ([]types.ResearchArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, task_id, kind, content, metadata, created_at, retrieved_at
		 FROM artifacts WHERE session_id = ? AND kind IN (?, ?) ORDER BY created_at`,
		sessionID, string(types.ArtifactFinding), string(types.ArtifactVerified))
	if err != nil {
		return nil, fmt.Errorf("load findings: %w", err)
	}
	defer rows.Close()

	var out []types.ResearchArtifact
	for rows.Next() {
		var (
			a                    types.ResearchArtifact
			taskID, metadata     sql.NullString
			kind                 string
			createdAt, retrieved string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &taskID, &kind, &a.Content, &metadata, &createdAt, &retrieved); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.TaskID = taskID.String
		a.Kind = types.ArtifactKind(kind)
		a.CreatedAt = parseTS(createdAt)
		a.RetrievedAt = parseTS(retrieved)
		if metadata.Valid && metadata.String != "" && metadata.String != "null" {
			if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadMemory(ctx context.Context, sessionID string) (types.ResearchMemory, error) {
	var (
		mem     types.ResearchMemory
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, short_term, long_term, last_updated FROM memory WHERE session_id = ?`, sessionID,
	).Scan(&mem.SessionID, &mem.ShortTerm, &mem.LongTerm, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ResearchMemory{}, ErrNotFound
	}
	if err != nil {
		return types.ResearchMemory{}, fmt.Errorf("load memory: %w", err)
	}
	mem.LastUpdated = parseTS(updated)
	return mem, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(err, what)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return persistErr(err, what)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(err, what)
	}
	return nil
}
