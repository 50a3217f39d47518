// Package wiring assembles coordinators and drone workers from configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spawn-mcp/research-coordinator/pkg/config"
	"github.com/spawn-mcp/research-coordinator/pkg/coordinator"
	"github.com/spawn-mcp/research-coordinator/pkg/drone"
	"github.com/spawn-mcp/research-coordinator/pkg/events"
	"github.com/spawn-mcp/research-coordinator/pkg/gcp"
	"github.com/spawn-mcp/research-coordinator/pkg/llm"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/memory"
	"github.com/spawn-mcp/research-coordinator/pkg/retry"
	"github.com/spawn-mcp/research-coordinator/pkg/store"
	"github.com/spawn-mcp/research-coordinator/pkg/timeout"
	"github.com/spawn-mcp/research-coordinator/pkg/tools"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// Runtime holds a configured coordinator and the resources behind it.
type Runtime struct {
	Config      config.Config
	Coordinator *coordinator.Coordinator
	Registry    *tools.Registry
	// GCP is nil unless a configured component talks to Google Cloud.
	GCP *gcp.Client

	closers []func() error
}

// Option overrides a collaborator Build would otherwise construct.
type Option func(*builder)

type builder struct {
	invoker   llm.Invoker
	searcher  tools.Searcher
	fetcher   tools.Fetcher
	publisher events.Publisher
}

// WithInvoker replaces the OpenAI-compatible client.
func WithInvoker(inv llm.Invoker) Option {
	return func(b *builder) { b.invoker = inv }
}

// WithSearcher replaces the DuckDuckGo searcher.
func WithSearcher(s tools.Searcher) Option {
	return func(b *builder) { b.searcher = s }
}

// WithFetcher replaces the HTTP page fetcher.
func WithFetcher(f tools.Fetcher) Option {
	return func(b *builder) { b.fetcher = f }
}

// WithPublisher adds p alongside the configured event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(b *builder) { b.publisher = p }
}

// Build wires a Coordinator from cfg. The caller must Close the runtime.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	log := logging.For("wiring")

	rt := &Runtime{Config: cfg}
	if cfg.NeedsGCP() {
		client, err := gcp.NewClient(ctx, cfg.ProjectID, cfg.Region)
		if err != nil {
			return nil, err
		}
		rt.GCP = client
		rt.closers = append(rt.closers, client.Close)
	}

	st, err := openStore(cfg, rt.GCP)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append([]func() error{st.Close}, rt.closers...)

	publisher := newPublisher(cfg, rt.GCP)
	if b.publisher != nil {
		publisher = events.Multi{publisher, b.publisher}
	}

	rt.Registry = NewRegistry(b.searcher, b.fetcher)
	invoker := b.invoker
	if invoker == nil {
		invoker = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	}

	var resolver drone.ServiceResolver
	if rt.GCP != nil {
		resolver = readyResolver{client: rt.GCP, timeout: cfg.Research.WorkerTimeout}
	}
	factory, err := NewFactory(cfg, invoker, rt.Registry, resolver)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	mem := memory.NewStore(memory.WithBudgets(cfg.Research.ShortTermBudget, cfg.Research.LongTermBudget))
	rt.Coordinator = coordinator.New(factory, mem,
		coordinator.WithStore(st),
		coordinator.WithPublisher(publisher),
		coordinator.WithTimeouts(NewTimeouts(cfg.Research)),
		coordinator.WithRetry(PersistRetry(cfg.Store)),
		coordinator.WithLimits(coordinator.Limits{
			Concurrency:        cfg.Research.Concurrency,
			MaxTasks:           cfg.Research.MaxTasks,
			MaxAnalyses:        cfg.Research.MaxAnalyses,
			MaxVerifications:   cfg.Research.MaxVerifications,
			FreshnessThreshold: cfg.Research.FreshnessThreshold,
		}),
	)

	log.Info("coordinator ready",
		slog.String("store", cfg.Store.Backend),
		slog.String("events", cfg.Events.Backend),
		slog.Int("concurrency", cfg.Research.Concurrency),
		slog.Int("remote_workers", len(cfg.Workers)))
	return rt, nil
}

// Close releases the store and any cloud clients.
func (rt *Runtime) Close() error {
	var errs []error
	for _, c := range rt.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// readyResolver waits for a Cloud Run drone to report Ready before
// handing out its URL.
type readyResolver struct {
	client  *gcp.Client
	timeout time.Duration
}

func (r readyResolver) GetServiceURL(ctx context.Context, serviceName string) (string, error) {
	return r.client.WaitForServiceReady(ctx, serviceName, r.timeout)
}

func openStore(cfg config.Config, client *gcp.Client) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		return store.OpenSQLite(cfg.Store.SQLitePath)
	case config.StoreFirestore:
		return store.NewFirestoreStore(client), nil
	default:
		return store.NewMemStore(), nil
	}
}

// PersistRetry picks the write retry policy for a store backend. Firestore
// gets exponential backoff; local stores retry quickly.
func PersistRetry(sc config.StoreConfig) retry.Config {
	if sc.Backend == config.StoreFirestore {
		return retry.DefaultConfigs.Standard
	}
	return retry.DefaultConfigs.Fast
}

func newPublisher(cfg config.Config, client *gcp.Client) events.Publisher {
	if cfg.Events.Backend == config.EventsPubSub {
		return events.Multi{events.NewLogPublisher(), events.NewPubSubPublisher(client, cfg.Events.Topic)}
	}
	return events.NewLogPublisher()
}

// NewRegistry registers the default tools; nil collaborators get the
// DuckDuckGo searcher and the HTTP fetcher.
func NewRegistry(searcher tools.Searcher, fetcher tools.Fetcher) *tools.Registry {
	if searcher == nil {
		searcher = tools.NewDuckDuckGo()
	}
	if fetcher == nil {
		fetcher = tools.NewHTTPFetcher()
	}
	return tools.NewDefaultRegistry(searcher, fetcher)
}

// NewTimeouts applies the configured worker and synthesis timeouts.
func NewTimeouts(rc config.ResearchConfig) *timeout.Manager {
	m := timeout.NewManager(max(rc.WorkerTimeout, rc.SynthesisTimeout))
	for _, op := range []string{timeout.OpPlan, timeout.OpDecompose, timeout.OpSearch, timeout.OpExtract, timeout.OpVerify, timeout.OpEvaluate} {
		m.SetOperationTimeout(op, rc.WorkerTimeout)
	}
	m.SetOperationTimeout(timeout.OpSynthesize, rc.SynthesisTimeout)
	return m
}

// AgentConfigs derives per-role model settings from the LLM section.
func AgentConfigs(lc config.LLMConfig) map[types.WorkerRole]drone.AgentConfig {
	out := make(map[types.WorkerRole]drone.AgentConfig, len(types.Roles))
	for _, role := range types.Roles {
		out[role] = drone.AgentConfig{
			Model:       lc.ModelFor(role),
			Temperature: lc.Temperature,
			MaxTokens:   lc.MaxTokens,
		}
	}
	return out
}

// NewFactory returns a Factory building in-process agents for every role,
// then replacing the roles configured under workers with remote drones.
// resolver is required only for workers addressed by Cloud Run service.
func NewFactory(cfg config.Config, invoker llm.Invoker, registry *tools.Registry, resolver drone.ServiceResolver) (drone.Factory, error) {
	for role, wc := range cfg.Workers {
		if wc.Service != "" && wc.URL == "" && resolver == nil {
			return nil, fmt.Errorf("worker %s names service %q but no resolver is available", role, wc.Service)
		}
	}
	local := drone.NewAgentFactory(invoker, registry, AgentConfigs(cfg.LLM))

	return func(ctx context.Context, sessionID string) (*drone.Pool, error) {
		pool, err := local(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		for role, wc := range cfg.Workers {
			if !wc.Remote() {
				continue
			}
			if err := pool.Set(NewRemoteWorker(role, wc, cfg.Research.WorkerTimeout, resolver)); err != nil {
				return nil, err
			}
		}
		return pool, nil
	}, nil
}

// NewRemoteWorker builds the drone client for one configured role. A
// direct URL takes precedence over a service name.
func NewRemoteWorker(role types.WorkerRole, wc config.WorkerConfig, requestTimeout time.Duration, resolver drone.ServiceResolver) *drone.RemoteWorker {
	var opts []drone.RemoteOption
	if wc.Authenticate {
		opts = append(opts, drone.WithIDTokenAuth())
	}
	if requestTimeout > 0 {
		opts = append(opts, drone.WithRequestTimeout(requestTimeout))
	}
	if wc.URL != "" {
		return drone.NewRemoteWorker(role, wc.URL, opts...)
	}
	return drone.NewCloudRunWorker(role, wc.Service, resolver, opts...)
}

// Drone is a single-role worker service built from configuration.
type Drone struct {
	Worker drone.Worker
	Server *drone.Server
	GCP    *gcp.Client
}

// BuildDrone wires an in-process agent for role behind a drone.Server.
// Task events go to Pub/Sub when the events backend asks for it.
func BuildDrone(ctx context.Context, cfg config.Config, role types.WorkerRole, opts ...Option) (*Drone, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown worker role %q", role)
	}
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	d := &Drone{}
	if cfg.Events.Backend == config.EventsPubSub {
		client, err := gcp.NewClient(ctx, cfg.ProjectID, cfg.Region)
		if err != nil {
			return nil, err
		}
		d.GCP = client
	}

	invoker := b.invoker
	if invoker == nil {
		invoker = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	}
	agent, err := drone.NewAgent(role, invoker, NewRegistry(b.searcher, b.fetcher), AgentConfigs(cfg.LLM)[role])
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	publisher := newPublisher(cfg, d.GCP)
	if b.publisher != nil {
		publisher = events.Multi{publisher, b.publisher}
	}
	d.Worker = agent
	d.Server = drone.NewServer(agent, publisher)
	return d, nil
}

// Close releases the cloud client, if any.
func (d *Drone) Close() error {
	if d.GCP == nil {
		return nil
	}
	return d.GCP.Close()
}
