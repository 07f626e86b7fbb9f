// ABOUTME: Gateway orchestrator that wires registry, supervisor, router, sessions and transports
// ABOUTME: Owns the HTTP and optional gRPC health servers and their shutdown order

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/router"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/supervisor"
)

// Version is reported in initialize responses and the health payload.
var Version = "dev"

// Gateway orchestrates the toolgate server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	router     *router.Router
	sessions   *session.Manager
	mcpServer  *mcp.Server

	// metrics is nil when metrics.enabled is false
	metrics *metrics.Metrics

	// store and recorder are nil when database.path is empty
	store    store.Store
	recorder *store.Recorder

	httpServer *http.Server

	// grpcServer and healthServer are nil when server.grpc_addr is empty
	grpcServer   *grpc.Server
	healthServer *health.Server
	healthMu     sync.Mutex // orders health status updates

	startedAt time.Time

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
	bgCancel     context.CancelFunc
	bg           errgroup.Group
}

// initStore opens the ledger, or returns nil when it is disabled.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration. No provider is launched until
// Start or Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	if s != nil {
		g.store = s
		g.recorder = store.NewRecorder(s, 0, logger)
	}

	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
	}

	g.registry = registry.New(logger.With("component", "registry"))

	supCfg := supervisor.Config{
		HandshakeTimeout:  cfg.Supervisor.HandshakeTimeout,
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		BackoffBase:       cfg.Supervisor.RestartBackoffBase,
		BackoffMax:        cfg.Supervisor.RestartBackoffMax,
		MaxRestarts:       cfg.Supervisor.MaxRestarts,
		RestartWindow:     cfg.Supervisor.RestartWindow,
		StopTimeout:       cfg.Supervisor.StopTimeout,
		Registry:          g.registry,
		Logger:            logger.With("component", "supervisor"),
	}
	if g.metrics != nil {
		supCfg.Observer = g.metrics
	}
	g.supervisor = supervisor.New(supCfg)

	policy := router.PolicyQueue
	if cfg.Router.StartupPolicy == config.StartupPolicyFailFast {
		policy = router.PolicyFailFast
	}
	g.router = router.New(router.Config{
		Registry:             g.registry,
		Providers:            router.FromSupervisor(g.supervisor),
		Timeout:              cfg.Router.CallTimeout,
		StartupPolicy:        policy,
		StartupWait:          cfg.Router.StartupWait,
		SerializePerProvider: cfg.Router.SerializePerProvider,
		Observer:             &callObserver{metrics: g.metrics, recorder: g.recorder},
		Logger:               logger.With("component", "router"),
	})

	g.sessions = session.NewManager(session.Config{
		HeartbeatInterval: cfg.Sessions.HeartbeatInterval,
		BufferSize:        cfg.Sessions.BufferSize,
		Snapshot:          g.snapshot,
		MessagePath:       "/sse/messages",
		Logger:            logger.With("component", "sessions"),
	})

	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Registry: g.registry,
		Router:   g.router,
		Streams:  g.sessions,
		Version:  Version,
		Logger:   logger.With("component", "mcp"),
	})
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	if g.metrics != nil {
		g.metrics.TrackSessions(g.sessions.Count)
		g.metrics.TrackPending(g.router.PendingCount)
	}

	if cfg.Server.GRPCAddr != "" {
		g.grpcServer, g.healthServer = newGRPCServer()
		for _, p := range cfg.EnabledProviders() {
			g.healthServer.SetServingStatus(ProviderService(p.ID), servingStatus(supervisor.StateStarting))
		}
		g.updateOverallHealth()
	}

	g.supervisor.OnStateChange(g.onProviderState)
	g.registry.OnChange(g.onToolsChanged)

	mux := http.NewServeMux()
	g.registerRoutes(mux)
	g.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Registry returns the tool registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Supervisor returns the provider supervisor.
func (g *Gateway) Supervisor() *supervisor.Supervisor { return g.supervisor }

// Router returns the request router.
func (g *Gateway) Router() *router.Router { return g.router }

// Sessions returns the SSE session manager.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Start launches the configured providers and the background loops. It is
// safe to call more than once; only the first call does anything.
func (g *Gateway) Start(ctx context.Context) error {
	var err error
	g.startOnce.Do(func() {
		// Background loops outlive ctx so shutdown can still record the final
		// provider transitions.
		bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g.bgCancel = cancel
		g.bg.Go(func() error { return g.sessions.Run(bgCtx) })
		if g.recorder != nil {
			g.bg.Go(func() error { return g.recorder.Run(bgCtx) })
		}

		for _, p := range g.config.EnabledProviders() {
			tools, toolsErr := declaredTools(p)
			if toolsErr != nil {
				err = toolsErr
				return
			}
			spec := supervisor.LaunchSpec{
				Command:    p.Command,
				Args:       p.Args,
				WorkingDir: p.WorkingDir,
				Env:        p.Env,
				Tools:      tools,
			}
			if _, startErr := g.supervisor.Start(p.ID, spec); startErr != nil {
				err = fmt.Errorf("starting provider %s: %w", p.ID, startErr)
				return
			}
		}
		g.logger.Info("=== GATEWAY STARTED ===",
			"providers", len(g.config.EnabledProviders()),
			"version", Version,
		)
	})
	return err
}

// declaredTools converts the tools a provider's config declares into registry
// descriptors.
func declaredTools(p config.ProviderConfig) ([]registry.ToolDescriptor, error) {
	out := make([]registry.ToolDescriptor, 0, len(p.Tools))
	for _, t := range p.Tools {
		d := registry.ToolDescriptor{Name: t.Name, Description: t.Description, ProviderID: p.ID}
		if len(t.InputSchema) > 0 {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("provider %s tool %s: encoding input_schema: %w", p.ID, t.Name, err)
			}
			d.InputSchema = schema
		}
		out = append(out, d)
	}
	return out, nil
}

// Run listens on the configured addresses and serves until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	var grpcLn net.Listener
	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the gateway on the given listeners. grpcLn may be nil. It
// returns after ctx is canceled and shutdown has finished, or when a server
// fails.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	if err := g.Start(ctx); err != nil {
		httpLn.Close()
		if grpcLn != nil {
			grpcLn.Close()
		}
		return errors.Join(err, g.gracefulShutdown())
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil && g.grpcServer != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the transports, then every provider, then flushes the
// ledger. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error

		// SSE streams never finish on their own, so end them before
		// http.Server.Shutdown waits on idle connections.
		g.sessions.Close()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "MCP drain", g.mcpServer.Wait(ctx))

		if g.grpcServer != nil {
			g.shutdownGRPCServer(ctx)
		}

		errs = appendCloseError(errs, "supervisor shutdown", g.supervisor.Shutdown(ctx))

		if g.bgCancel != nil {
			g.bgCancel()
			errs = appendCloseError(errs, "background loops", g.bg.Wait())
		}

		g.registry.Close()
		errs = appendCloseError(errs, "store close", g.closeStore())

		g.shutdownErr = errors.Join(errs...)
		g.logger.Info("=== GATEWAY STOPPED ===", "live_processes", g.supervisor.LiveProcesses())
	})
	return g.shutdownErr
}

func (g *Gateway) closeStore() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

// onProviderState fans a supervisor transition out to every observer.
func (g *Gateway) onProviderState(change supervisor.StateChange) {
	g.sessions.Broadcast(session.EventProviderState, change)

	if g.metrics != nil {
		g.metrics.StateChanged(change)
	}

	if g.recorder != nil {
		g.recorder.RecordProviderEvent(store.ProviderEvent{
			ProviderID:   change.ProviderID,
			From:         change.From.String(),
			To:           change.To.String(),
			RestartCount: change.RestartCount,
			Reason:       change.Reason,
			Fatal:        change.Fatal,
			At:           change.At,
		})
	}

	if g.healthServer != nil {
		g.healthMu.Lock()
		g.healthServer.SetServingStatus(ProviderService(change.ProviderID), servingStatus(change.To))
		g.updateOverallHealth()
		g.healthMu.Unlock()
	}
}

// toolsChangedEvent is the payload of the tools_changed SSE event.
type toolsChangedEvent struct {
	Generation uint64   `json:"generation"`
	Tools      []string `json:"tools"`
}

func (g *Gateway) onToolsChanged(snap *registry.Snapshot) {
	g.sessions.Broadcast(session.EventToolsChanged, toolsChangedEvent{
		Generation: snap.Generation,
		Tools:      snap.Names(),
	})
}

// snapshot is the state a new SSE session receives on open.
func (g *Gateway) snapshot() session.Snapshot {
	return session.Snapshot{
		Tools:     g.registry.ListAll(),
		Providers: g.providerStatuses(),
	}
}

func (g *Gateway) providerStatuses() []session.ProviderStatus {
	providers := g.supervisor.List()
	out := make([]session.ProviderStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, session.ProviderStatus{
			ID:           p.ID(),
			State:        p.State().String(),
			RestartCount: p.RestartCount(),
		})
	}
	return out
}

// callObserver reports finished calls to metrics and the ledger.
type callObserver struct {
	metrics  *metrics.Metrics
	recorder *store.Recorder
}

func (o *callObserver) CallFinished(rec router.CallRecord) {
	if o.metrics != nil {
		o.metrics.CallFinished(rec)
	}
	if o.recorder != nil {
		o.recorder.RecordToolCall(store.ToolCall{
			ID:         rec.ID,
			Tool:       rec.Tool,
			ProviderID: rec.ProviderID,
			Outcome:    rec.Outcome,
			Error:      rec.Error,
			StartedAt:  rec.StartedAt,
			Duration:   rec.Duration,
		})
	}
}
