package drone

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spawn-mcp/research-coordinator/pkg/events"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Server hosts a single Worker over HTTP. POST /task takes a ResearchTask
// and answers with the terminal task; GET /health reports liveness.
type Server struct {
	worker    Worker
	publisher events.Publisher
	log       *slog.Logger
}

// NewServer wraps w. publisher may be nil.
func NewServer(w Worker, publisher events.Publisher) *Server {
	return &Server{
		worker:    w,
		publisher: publisher,
		log:       logging.For("drone").With(slog.String("role", string(w.Role()))),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	case http.MethodPost:
		if r.URL.Path != "/task" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var task types.ResearchTask
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if task.ID == "" {
			http.Error(w, "task id is required", http.StatusBadRequest)
			return
		}
		if task.Role != s.worker.Role() {
			http.Error(w, "task role "+string(task.Role)+" not served here", http.StatusBadRequest)
			return
		}

		start := time.Now()
		done := s.worker.Execute(r.Context(), task)
		s.log.Info("task finished",
			slog.String("task_id", done.ID),
			slog.String("status", string(done.Status)),
			slog.Duration("took", time.Since(start)))

		if s.publisher != nil {
			// Publish asynchronously; the caller already has the result.
			go func(t types.ResearchTask) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				err := s.publisher.Publish(ctx, events.Event{
					SessionID: t.SessionID,
					Type:      events.TaskFinished,
					Payload: map[string]any{
						"task_id": t.ID,
						"role":    string(t.Role),
						"status":  string(t.Status),
						"error":   t.Error,
					},
					Timestamp: time.Now(),
				})
				if err != nil {
					s.log.Warn("failed to publish task result", slog.String("task_id", t.ID), slog.String("error", err.Error()))
				}
			}(done)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(done); err != nil {
			s.log.Warn("failed to write response", slog.String("error", err.Error()))
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/health", s)
	mux.Handle("/task", s)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("drone HTTP listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("shutting down drone")
		return srv.Shutdown(shutdownCtx)
	}
}
