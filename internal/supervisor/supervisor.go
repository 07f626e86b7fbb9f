// ABOUTME: Supervisor owns every provider process: start, stop, operator restart, and shutdown.
// ABOUTME: Fans out provider state changes to listeners and counts spawns and live processes.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/toolgate/internal/registry"
)

// Version is reported to providers in the initialize handshake.
const Version = "0.3.0"

// ErrUnknownProvider is returned for ids the supervisor has never started.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrProviderExists is returned when starting a provider id twice.
var ErrProviderExists = errors.New("provider already exists")

// Config holds supervisor timing and collaborators.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRestarts       int
	RestartWindow     time.Duration
	StopTimeout       time.Duration

	// Registry receives each provider's tools after its handshake. Optional.
	Registry *registry.Registry

	// Observer receives restart and anomaly counts. Optional.
	Observer Observer

	Logger *slog.Logger
}

// Observer is notified of supervisor activity for metrics.
type Observer interface {
	ProviderRestarted(providerID string)
	ProtocolAnomaly(providerID, reason string)
}

// Supervisor starts and watches providers.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string

	listenersMu sync.RWMutex
	listeners   []func(StateChange)

	spawns atomic.Int64
	live   atomic.Int64
}

// New creates a supervisor, filling zero timings with defaults.
func New(cfg Config) *Supervisor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 10 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		providers: make(map[string]*Provider),
	}
}

// OnStateChange registers a listener. Listeners run on provider lifecycle
// goroutines and must not block.
func (s *Supervisor) OnStateChange(fn func(StateChange)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Supervisor) emit(change StateChange) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

func (s *Supervisor) metricsRestart(id string) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.ProviderRestarted(id)
	}
}

func (s *Supervisor) anomaly(id, reason string) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.ProtocolAnomaly(id, reason)
	}
}

// Start launches a provider and returns its id. An empty id gets a generated
// one. The handshake runs in the background; use Provider.WaitState to block
// on it.
func (s *Supervisor) Start(id string, spec LaunchSpec) (string, error) {
	if spec.Command == "" {
		return "", errors.New("launch spec command is required")
	}
	if id == "" {
		id = "provider-" + uuid.NewString()[:8]
	}
	if s.ctx.Err() != nil {
		return "", errors.New("supervisor is shut down")
	}

	s.mu.Lock()
	if _, exists := s.providers[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrProviderExists, id)
	}
	p := newProvider(s, id, spec)
	s.providers[id] = p
	s.order = append(s.order, id)
	s.mu.Unlock()

	s.logger.Info("=== PROVIDER STARTING ===",
		"provider_id", id,
		"command", spec.Command,
		"args", spec.Args,
	)

	p.startLoop(s.ctx)
	return id, nil
}

// Get returns a provider by id.
func (s *Supervisor) Get(id string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// List returns providers in start order.
func (s *Supervisor) List() []*Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Provider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.providers[id])
	}
	return out
}

// Restart is the operator-level restart. It revives a Stopped provider with a
// fresh restart budget, or recycles a running one.
func (s *Supervisor) Restart(id string) error {
	p, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if s.ctx.Err() != nil {
		return errors.New("supervisor is shut down")
	}
	s.logger.Info("operator restart requested", "provider_id", id, "state", p.State().String())
	p.requestRestart(s.ctx)
	return nil
}

// Stop stops one provider and waits for its process to exit.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	p, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	select {
	case <-p.requestStop():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every provider and waits for their lifecycle loops.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range s.List() {
		g.Go(func() error {
			select {
			case <-p.requestStop():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("stopping provider %s: %w", p.ID(), ctx.Err())
			}
		})
	}
	err := g.Wait()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.logger.Info("supervisor stopped", "live_processes", s.LiveProcesses())
	return err
}

// SpawnCount returns how many process launches have been attempted.
func (s *Supervisor) SpawnCount() int64 { return s.spawns.Load() }

// LiveProcesses returns how many provider processes are currently running.
func (s *Supervisor) LiveProcesses() int64 { return s.live.Load() }
