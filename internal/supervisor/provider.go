// ABOUTME: Provider entity and its lifecycle loop: spawn, handshake, heartbeat, and restart policy.
// ABOUTME: The loop goroutine is the only code that spawns, kills, or changes the provider's state.

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/2389/toolgate/internal/protocol"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/toolerr"
)

// Provider is one supervised backend process. Its exported methods are safe
// for concurrent use; state and restart count are read-only outside the
// supervisor.
type Provider struct {
	id     string
	spec   LaunchSpec
	sup    *Supervisor
	logger *slog.Logger

	state         atomic.Int32
	restartCount  atomic.Int64
	lastHeartbeat atomic.Int64 // unix nanos

	changedMu sync.Mutex
	changed   chan struct{}

	mu         sync.Mutex
	proc       *process
	loopActive bool
	stopCh     chan struct{}
	loopDone   chan struct{}
	restarts   []time.Time // restart attempts inside the rolling window

	restartReq chan struct{}
	relist     chan struct{}
}

func newProvider(sup *Supervisor, id string, spec LaunchSpec) *Provider {
	p := &Provider{
		id:         id,
		spec:       spec,
		sup:        sup,
		logger:     sup.logger.With("provider_id", id),
		changed:    make(chan struct{}),
		restartReq: make(chan struct{}, 1),
		relist:     make(chan struct{}, 1),
	}
	p.state.Store(int32(StateStarting))
	return p
}

// ID returns the provider id.
func (p *Provider) ID() string { return p.id }

// Spec returns the launch spec.
func (p *Provider) Spec() LaunchSpec { return p.spec }

// State returns the current state.
func (p *Provider) State() State { return State(p.state.Load()) }

// RestartCount returns how many automatic restarts happened since the
// provider was started or last revived by an operator.
func (p *Provider) RestartCount() int { return int(p.restartCount.Load()) }

// LastHeartbeatAt returns the time of the last successful ping or handshake.
func (p *Provider) LastHeartbeatAt() time.Time {
	n := p.lastHeartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// PendingCount returns the number of calls awaiting a response from the
// current process.
func (p *Provider) PendingCount() int {
	if proc := p.current(); proc != nil {
		return proc.conn.PendingCount()
	}
	return 0
}

// PID returns the current process id, or 0 when no process is running.
func (p *Provider) PID() int {
	if proc := p.current(); proc != nil {
		return proc.pid()
	}
	return 0
}

func (p *Provider) current() *process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc
}

// Call forwards a request to the running process.
func (p *Provider) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	proc := p.current()
	if proc == nil {
		return nil, toolerr.New(toolerr.ErrProviderUnavailable, "", p.id, "provider is "+p.State().String())
	}
	return proc.conn.Call(ctx, method, params)
}

// WaitState blocks until pred accepts the current state or ctx ends.
func (p *Provider) WaitState(ctx context.Context, pred func(State) bool) (State, error) {
	for {
		p.changedMu.Lock()
		ch := p.changed
		p.changedMu.Unlock()

		st := p.State()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return p.State(), ctx.Err()
		}
	}
}

// setState records a transition and notifies listeners. Only the lifecycle
// loop calls it.
func (p *Provider) setState(to State, reason string, fatal bool) {
	from := State(p.state.Swap(int32(to)))
	if from == to {
		return
	}

	p.changedMu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.changedMu.Unlock()

	change := StateChange{
		ProviderID:   p.id,
		From:         from,
		To:           to,
		RestartCount: p.RestartCount(),
		Reason:       reason,
		Fatal:        fatal,
		At:           time.Now(),
	}

	switch {
	case fatal:
		p.logger.Error("=== PROVIDER STOPPED ===",
			"restart_count", change.RestartCount,
			"reason", reason,
		)
	case to == StateRunning && from != StateDegraded:
		p.logger.Info("=== PROVIDER RUNNING ===", "pid", p.PID(), "restart_count", change.RestartCount)
	default:
		p.logger.Info("provider state changed",
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}

	p.sup.emit(change)
}

// startLoop launches the lifecycle goroutine unless one is already running.
func (p *Provider) startLoop(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loopActive {
		return false
	}
	p.loopActive = true
	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})
	stopCh, done := p.stopCh, p.loopDone

	p.sup.wg.Add(1)
	go func() {
		defer p.sup.wg.Done()
		defer func() {
			p.mu.Lock()
			p.loopActive = false
			p.mu.Unlock()
			close(done)
		}()
		p.run(ctx, stopCh)
	}()
	return true
}

// requestStop asks the loop to exit and returns a channel closed once it has.
func (p *Provider) requestStop() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loopActive {
		done := make(chan struct{})
		close(done)
		return done
	}
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	return p.loopDone
}

// requestRestart asks for an operator restart. Concurrent requests coalesce.
func (p *Provider) requestRestart(ctx context.Context) {
	if p.startLoop(ctx) {
		return
	}
	select {
	case p.restartReq <- struct{}{}:
	default:
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeStop
	outcomeOperatorRestart
)

func (p *Provider) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.sup.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.sup.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run is the lifecycle loop. It owns spawning, killing and every state change.
func (p *Provider) run(ctx context.Context, stopCh <-chan struct{}) {
	b := p.newBackoff()

	if p.State() == StateStopped {
		p.revive(b)
		p.setState(StateStarting, "operator restart", false)
	}

	for {
		res, reason := p.attempt(ctx, stopCh, b)

		switch res {
		case outcomeStop:
			p.setState(StateStopped, reason, false)
			return
		case outcomeOperatorRestart:
			p.revive(b)
			p.setState(StateStarting, "operator restart", false)
			continue
		}

		if !p.allowRestart(time.Now()) {
			p.setState(StateStopped, fmt.Sprintf("restart budget exhausted: %s", reason), true)
			select {
			case <-p.restartReq:
				p.revive(b)
				p.setState(StateStarting, "operator restart", false)
				continue
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}

		p.restartCount.Add(1)
		p.sup.metricsRestart(p.id)
		p.setState(StateRestarting, reason, false)

		wait := b.NextBackOff()
		p.logger.Info("provider restart scheduled", "in", wait, "attempt", p.RestartCount())
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.restartReq:
			timer.Stop()
			p.revive(b)
		case <-stopCh:
			timer.Stop()
			p.setState(StateStopped, "stop requested", false)
			return
		case <-ctx.Done():
			timer.Stop()
			p.setState(StateStopped, "supervisor shutting down", false)
			return
		}
	}
}

// revive clears the restart budget after an operator restart.
func (p *Provider) revive(b *backoff.ExponentialBackOff) {
	p.mu.Lock()
	p.restarts = nil
	p.mu.Unlock()
	p.restartCount.Store(0)
	b.Reset()
	p.logger.Info("provider revived by operator")
}

// allowRestart records a restart attempt if the rolling window has room.
func (p *Provider) allowRestart(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.sup.cfg.RestartWindow)
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.restarts = kept

	if len(p.restarts) >= p.sup.cfg.MaxRestarts {
		return false
	}
	p.restarts = append(p.restarts, now)
	return true
}

// attempt runs one process from spawn to exit.
func (p *Provider) attempt(ctx context.Context, stopCh <-chan struct{}, b *backoff.ExponentialBackOff) (outcome, string) {
	proc, err := p.sup.spawn(p.id, p.spec, p.connOptions())
	if err != nil {
		p.logger.Error("provider spawn failed", "error", err)
		return outcomeFailed, "spawn failed"
	}

	p.mu.Lock()
	p.proc = proc
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.proc = nil
		p.mu.Unlock()
	}()

	if err := p.handshake(ctx, proc); err != nil {
		p.logger.Warn("provider handshake failed", "error", err)
		proc.terminate(0, err)
		if p.stopping(ctx, stopCh) {
			return outcomeStop, "stop requested"
		}
		return outcomeFailed, "handshake failed"
	}

	b.Reset()
	p.setState(StateRunning, "handshake complete", false)

	res, reason := p.monitor(ctx, stopCh, proc)

	switch res {
	case outcomeStop:
		proc.terminate(p.sup.cfg.StopTimeout,
			toolerr.New(toolerr.ErrProviderUnavailable, "", p.id, "provider is stopping"))
	case outcomeOperatorRestart:
		proc.terminate(p.sup.cfg.StopTimeout,
			toolerr.New(toolerr.ErrProviderCrashed, "", p.id, "provider restarted by operator"))
	default:
		proc.terminate(0, toolerr.New(toolerr.ErrProviderCrashed, "", p.id, reason))
	}
	return res, reason
}

func (p *Provider) stopping(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Provider) connOptions() protocol.Options {
	return protocol.Options{
		ProviderID: p.id,
		Logger:     p.sup.logger.With("component", "protocol"),
		OnNotification: func(method string, _ json.RawMessage) {
			if method == "notifications/tools/list_changed" {
				select {
				case p.relist <- struct{}{}:
				default:
				}
			}
		},
		OnAnomaly: func(reason string) { p.sup.anomaly(p.id, reason) },
	}
}

// handshake performs initialize and publishes the provider's tools.
func (p *Provider) handshake(ctx context.Context, proc *process) error {
	hctx, cancel := context.WithTimeout(ctx, p.sup.cfg.HandshakeTimeout)
	defer cancel()

	_, err := proc.conn.Call(hctx, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "toolgate", "version": Version},
	})
	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = fmt.Sprintf("no initialize response within %s", p.sup.cfg.HandshakeTimeout)
		}
		return toolerr.New(toolerr.ErrHandshakeFailed, "", p.id, detail)
	}
	p.lastHeartbeat.Store(time.Now().UnixNano())
	_ = proc.conn.Notify(hctx, "notifications/initialized", nil)

	if err := p.publishTools(hctx, proc); err != nil {
		return toolerr.New(toolerr.ErrHandshakeFailed, "", p.id, err.Error())
	}
	return nil
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// publishTools lists the provider's tools, adds the ones declared in its
// launch spec, and swaps the result into the registry. A provider without
// tools/list publishes only its declared tools. A name collision with another
// provider is logged and leaves the registry unchanged; the provider keeps
// running.
func (p *Provider) publishTools(ctx context.Context, proc *process) error {
	reg := p.sup.cfg.Registry
	if reg == nil {
		return nil
	}

	var res listToolsResult
	raw, err := proc.conn.Call(ctx, "tools/list", nil)
	switch {
	case isMethodNotFound(err):
		p.logger.Info("provider does not list tools", "declared", len(p.spec.Tools))
	case err != nil:
		return fmt.Errorf("listing tools: %w", err)
	default:
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decoding tools/list result: %w", err)
		}
	}

	descs := make([]registry.ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		descs = append(descs, registry.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			ProviderID:  p.id,
		})
	}
	descs = withDeclared(descs, p.spec.Tools)

	if err := reg.ReplaceProviderTools(p.id, descs); err != nil {
		p.logger.Error("provider tools rejected", "error", err)
	}
	return nil
}

// withDeclared appends declared tools the provider did not list itself.
func withDeclared(listed, declared []registry.ToolDescriptor) []registry.ToolDescriptor {
	if len(declared) == 0 {
		return listed
	}
	names := make(map[string]bool, len(listed))
	for _, d := range listed {
		names[d.Name] = true
	}
	for _, d := range declared {
		if names[d.Name] {
			continue
		}
		if len(d.InputSchema) == 0 {
			d.InputSchema = json.RawMessage(`{"type":"object"}`)
		}
		listed = append(listed, d)
	}
	return listed
}

func isMethodNotFound(err error) bool {
	var rpcErr *jsonrpc2.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc2.CodeMethodNotFound
}

// monitor watches a running process until it exits, fails its heartbeats,
// or is asked to stop or restart.
func (p *Provider) monitor(ctx context.Context, stopCh <-chan struct{}, proc *process) (outcome, string) {
	interval := p.sup.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pingResult := make(chan error, 1)
	pingInFlight := false
	misses := 0

	for {
		select {
		case <-proc.conn.Done():
			reason := "provider process exited"
			if err := proc.exitError(); err != nil {
				reason = fmt.Sprintf("provider process exited: %v", err)
			}
			return outcomeFailed, reason

		case <-stopCh:
			return outcomeStop, "stop requested"

		case <-ctx.Done():
			return outcomeStop, "supervisor shutting down"

		case <-p.restartReq:
			return outcomeOperatorRestart, "operator restart"

		case <-p.relist:
			go func() {
				lctx, cancel := context.WithTimeout(ctx, p.sup.cfg.HandshakeTimeout)
				defer cancel()
				if err := p.publishTools(lctx, proc); err != nil {
					p.logger.Warn("refreshing provider tools failed", "error", err)
				}
			}()

		case <-ticker.C:
			if pingInFlight {
				continue
			}
			pingInFlight = true
			go func() {
				pctx, cancel := context.WithTimeout(ctx, 2*interval)
				defer cancel()
				_, err := proc.conn.Call(pctx, "ping", nil)
				pingResult <- err
			}()

		case err := <-pingResult:
			pingInFlight = false
			if err == nil {
				misses = 0
				p.lastHeartbeat.Store(time.Now().UnixNano())
				if p.State() == StateDegraded {
					p.setState(StateRunning, "heartbeat recovered", false)
				}
				continue
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				// Crashes surface through conn.Done.
				continue
			}
			misses++
			p.logger.Warn("provider heartbeat missed", "misses", misses)
			if misses == 1 {
				p.setState(StateDegraded, "heartbeat missed", false)
				continue
			}
			return outcomeFailed, "heartbeat missed twice"
		}
	}
}
