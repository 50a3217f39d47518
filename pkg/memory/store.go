// Package memory keeps the bounded per-session working memory of a
// research run: a short-term buffer for the current context and a
// long-term buffer of accumulated findings.
package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

const (
	DefaultShortTermBudget = 4000
	DefaultLongTermBudget  = 16000

	// DefaultSummaryChars bounds the content rendered per artifact into long-term memory.
	DefaultSummaryChars = 200

	// TruncationMarker ends a buffer whose tail was dropped by compression.
	TruncationMarker = "[... later context truncated ...]"
)

// Store owns one ResearchMemory per session.
type Store struct {
	mu           sync.RWMutex
	records      map[string]*types.ResearchMemory
	shortBudget  int
	longBudget   int
	summaryChars int
	now          func() time.Time
	log          *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBudgets overrides the short- and long-term size budgets.
func WithBudgets(shortTerm, longTerm int) Option {
	return func(s *Store) {
		if shortTerm > 0 {
			s.shortBudget = shortTerm
		}
		if longTerm > 0 {
			s.longBudget = longTerm
		}
	}
}

// WithSummaryChars overrides the per-artifact summary length.
func WithSummaryChars(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.summaryChars = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:      make(map[string]*types.ResearchMemory),
		shortBudget:  DefaultShortTermBudget,
		longBudget:   DefaultLongTermBudget,
		summaryChars: DefaultSummaryChars,
		now:          time.Now,
		log:          logging.For("memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates an empty record for the session. It fails with
// MemoryAlreadyInitialized if one exists; call Clear first to reset.
func (s *Store) Initialize(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[sessionID]; exists {
		return rerrors.Newf(rerrors.CodeMemoryAlreadyInitialized, "memory for session %s already initialized", sessionID)
	}
	s.records[sessionID] = &types.ResearchMemory{SessionID: sessionID, LastUpdated: s.now()}
	return nil
}

// AppendShortTerm adds text to the short-term buffer, compressing it if
// the buffer goes over budget.
func (s *Store) AppendShortTerm(sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.record(sessionID)
	if err != nil {
		return err
	}
	rec.ShortTerm = s.fit(sessionID, "short_term", join(rec.ShortTerm, text), s.shortBudget)
	rec.LastUpdated = s.now()
	return nil
}

// AppendLongTerm renders a bounded summary of each artifact onto the
// long-term buffer, compressing it if the buffer goes over budget.
func (s *Store) AppendLongTerm(sessionID string, artifacts []types.ResearchArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.record(sessionID)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return nil
	}

	lines := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		lines = append(lines, s.summarize(a))
	}
	rec.LongTerm = s.fit(sessionID, "long_term", join(rec.LongTerm, strings.Join(lines, "\n")), s.longBudget)
	rec.LastUpdated = s.now()
	return nil
}

// ContextFor formats both buffers for use as model context.
func (s *Store) ContextFor(sessionID, query string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.record(sessionID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if query != "" {
		fmt.Fprintf(&b, "Query: %s\n\n", query)
	}
	b.WriteString("Recent context:\n")
	b.WriteString(orNone(rec.ShortTerm))
	b.WriteString("\n\nAccumulated knowledge:\n")
	b.WriteString(orNone(rec.LongTerm))
	return b.String(), nil
}

// Snapshot returns a copy of the session's record.
func (s *Store) Snapshot(sessionID string) (types.ResearchMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.record(sessionID)
	if err != nil {
		return types.ResearchMemory{}, err
	}
	return *rec, nil
}

// Clear discards the session's record. Clearing an unknown session is a no-op.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
}

// caller must hold s.mu.
func (s *Store) record(sessionID string) (*types.ResearchMemory, error) {
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, rerrors.Newf(rerrors.CodeMemoryNotInitialized, "memory for session %s not initialized", sessionID)
	}
	return rec, nil
}

func (s *Store) fit(sessionID, buffer, text string, budget int) string {
	out, dropped := Compress(text, budget)
	if dropped && out != text {
		s.log.Debug("memory compressed",
			slog.String("session_id", sessionID),
			slog.String("buffer", buffer),
			slog.Int("before", EstimateSize(text)),
			slog.Int("after", EstimateSize(out)))
	}
	return out
}

func (s *Store) summarize(a types.ResearchArtifact) string {
	content := strings.Join(strings.Fields(a.Content), " ")
	return fmt.Sprintf("- [%s] %s", a.Kind, truncate(content, s.summaryChars))
}

// EstimateSize approximates token count as characters / 4, rounded up.
func EstimateSize(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Compress keeps the longest prefix of whole lines that fits within budget
// together with a trailing TruncationMarker, and drops everything after it.
// Marker lines left by an earlier compression are removed first, so the
// result carries at most one marker and never exceeds budget. dropped
// reports whether the result ends with the marker.
//
// The newest content sits at the tail, so it is what gets discarded.
func Compress(text string, budget int) (out string, dropped bool) {
	lines := strings.Split(text, "\n")
	body := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == TruncationMarker {
			dropped = true
			continue
		}
		body = append(body, line)
	}
	if !dropped && EstimateSize(text) <= budget {
		return text, false
	}

	reserve := utf8.RuneCountInString(TruncationMarker)
	kept := 0
	size := 0
	for i, line := range body {
		n := utf8.RuneCountInString(line)
		if i > 0 {
			n++ // newline separator
		}
		if (size+n+1+reserve+3)/4 > budget {
			break
		}
		size += n
		kept++
	}

	if kept == 0 {
		if EstimateSize(TruncationMarker) > budget {
			return "", true
		}
		return TruncationMarker, true
	}
	return strings.Join(body[:kept], "\n") + "\n" + TruncationMarker, true
}

func join(buf, text string) string {
	if buf == "" {
		return text
	}
	if text == "" {
		return buf
	}
	return buf + "\n" + text
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
