package drone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/idtoken"

	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// ServiceResolver looks up the URL of a named Cloud Run service.
type ServiceResolver interface {
	GetServiceURL(ctx context.Context, serviceName string) (string, error)
}

// RemoteWorker forwards tasks to a drone service over HTTP.
type RemoteWorker struct {
	role         types.WorkerRole
	service      string
	resolver     ServiceResolver
	authenticate bool
	timeout      time.Duration

	mu      sync.Mutex
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// RemoteOption configures a RemoteWorker.
type RemoteOption func(*RemoteWorker)

// WithIDTokenAuth authenticates every request with a Google ID token
// whose audience is the drone URL.
func WithIDTokenAuth() RemoteOption {
	return func(w *RemoteWorker) { w.authenticate = true }
}

// WithHTTPClient sets the client used for unauthenticated requests.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(w *RemoteWorker) { w.client = c }
}

// WithRequestTimeout bounds a single task round trip.
func WithRequestTimeout(d time.Duration) RemoteOption {
	return func(w *RemoteWorker) { w.timeout = d }
}

// NewRemoteWorker targets a drone at a fixed base URL.
func NewRemoteWorker(role types.WorkerRole, baseURL string, opts ...RemoteOption) *RemoteWorker {
	w := newRemote(role, opts...)
	w.baseURL = strings.TrimRight(baseURL, "/")
	return w
}

// NewCloudRunWorker targets a drone deployed as a Cloud Run service. The
// URL is resolved on first use and cached.
func NewCloudRunWorker(role types.WorkerRole, service string, resolver ServiceResolver, opts ...RemoteOption) *RemoteWorker {
	w := newRemote(role, opts...)
	w.service = service
	w.resolver = resolver
	return w
}

func newRemote(role types.WorkerRole, opts ...RemoteOption) *RemoteWorker {
	w := &RemoteWorker{
		role:    role,
		timeout: 5 * time.Minute,
		log:     logging.For("drone").With(slog.String("role", string(role)), slog.Bool("remote", true)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Role returns the worker's role.
func (w *RemoteWorker) Role() types.WorkerRole { return w.role }

// Execute posts the task to the drone's /task endpoint and returns the
// drone's terminal copy of it. Transport failures fail the task.
func (w *RemoteWorker) Execute(ctx context.Context, task types.ResearchTask) types.ResearchTask {
	if task.Status.Terminal() {
		return task
	}

	baseURL, client, err := w.endpoint(ctx)
	if err != nil {
		w.log.Warn("drone unavailable", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return failTask(task, "drone unavailable: %v", err)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return failTask(task, "failed to marshal task: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/task", bytes.NewReader(body))
	if err != nil {
		return failTask(task, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		w.log.Warn("drone request failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return failTask(task, "drone request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return failTask(task, "failed to read drone response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return failTask(task, "drone HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var done types.ResearchTask
	if err := json.Unmarshal(raw, &done); err != nil {
		return failTask(task, "failed to parse drone response: %v", err)
	}
	if done.ID != task.ID {
		return failTask(task, "drone answered for task %q", done.ID)
	}
	if !done.Status.Terminal() {
		return failTask(task, "drone returned non-terminal status %s", done.Status)
	}
	if done.Status == types.TaskStatusCompleted && done.Result == nil {
		return failTask(task, "drone returned completed task without result")
	}
	return done
}

// HealthCheck performs a health check on the drone
func (w *RemoteWorker) HealthCheck(ctx context.Context) error {
	baseURL, client, err := w.endpoint(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// endpoint resolves the base URL and HTTP client once; failures are not
// cached so a later call can retry.
func (w *RemoteWorker) endpoint(ctx context.Context) (string, *http.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.baseURL == "" {
		if w.resolver == nil {
			return "", nil, fmt.Errorf("no URL or service configured for %s drone", w.role)
		}
		url, err := w.resolver.GetServiceURL(ctx, w.service)
		if err != nil {
			return "", nil, err
		}
		w.baseURL = strings.TrimRight(url, "/")
	}

	if w.client == nil || (w.authenticate && !isAuthenticated(w.client)) {
		if w.authenticate {
			client, err := newAuthenticatedClient(context.WithoutCancel(ctx), w.baseURL)
			if err != nil {
				return "", nil, fmt.Errorf("failed to create authenticated client: %w", err)
			}
			w.client = client
		} else {
			w.client = &http.Client{}
		}
	}
	return w.baseURL, w.client, nil
}

// newAuthenticatedClient creates an HTTP client with OIDC authentication for service-to-service communication
func newAuthenticatedClient(ctx context.Context, audience string) (*http.Client, error) {
	tokenSource, err := idtoken.NewTokenSource(ctx, audience)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}
	return &http.Client{
		Transport: &authenticatedTransport{
			base: http.DefaultTransport,
			token: func() (string, error) {
				tok, err := tokenSource.Token()
				if err != nil {
					return "", err
				}
				return tok.AccessToken, nil
			},
		},
	}, nil
}

func isAuthenticated(c *http.Client) bool {
	_, ok := c.Transport.(*authenticatedTransport)
	return ok
}

// authenticatedTransport adds a fresh bearer token to every request
type authenticatedTransport struct {
	base  http.RoundTripper
	token func() (string, error)
}

func (t *authenticatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.token()
	if err != nil {
		return nil, fmt.Errorf("failed to get ID token: %w", err)
	}
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(reqClone)
}
