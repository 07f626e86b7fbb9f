// ABOUTME: Request router: resolves a tool to its provider, applies the startup policy and
// ABOUTME: the call deadline, forwards tools/call, and maps every failure onto the error taxonomy.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/supervisor"
	"github.com/2389/toolgate/internal/toolerr"
)

// Defaults applied by New.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultStartupWait = 2 * time.Second
)

// StartupPolicy decides what a call does when its provider is Starting or
// Restarting.
type StartupPolicy int

const (
	// PolicyQueue waits up to StartupWait for the provider to serve.
	PolicyQueue StartupPolicy = iota
	// PolicyFailFast fails immediately with ProviderUnavailable.
	PolicyFailFast
)

func (p StartupPolicy) String() string {
	if p == PolicyFailFast {
		return "fail_fast"
	}
	return "queue"
}

// Target is the provider surface the router needs.
type Target interface {
	ID() string
	State() supervisor.State
	WaitState(ctx context.Context, pred func(supervisor.State) bool) (supervisor.State, error)
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ProviderSource resolves a provider id to its Target.
type ProviderSource func(id string) (Target, bool)

// FromSupervisor adapts a supervisor to a ProviderSource.
func FromSupervisor(sup *supervisor.Supervisor) ProviderSource {
	return func(id string) (Target, bool) {
		p, ok := sup.Get(id)
		if !ok {
			return nil, false
		}
		return p, true
	}
}

// Call outcomes reported to the Observer besides the error kind names.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
)

// CallRecord describes one finished call.
type CallRecord struct {
	ID         string
	Tool       string
	ProviderID string
	Outcome    string
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
}

// Observer is told about every finished call.
type Observer interface {
	CallFinished(rec CallRecord)
}

// Config configures a Router.
type Config struct {
	Registry  *registry.Registry
	Providers ProviderSource

	Timeout       time.Duration
	StartupPolicy StartupPolicy
	StartupWait   time.Duration

	// SerializePerProvider allows one in-flight call per provider.
	SerializePerProvider bool

	Observer Observer
	Logger   *slog.Logger
}

// PendingRequest is an in-flight call.
type PendingRequest struct {
	ID         string    `json:"id"`
	ToolName   string    `json:"toolName"`
	ProviderID string    `json:"providerId"`
	StartedAt  time.Time `json:"startedAt"`
	Deadline   time.Time `json:"deadline"`
}

// Router forwards tool calls to providers.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]PendingRequest

	semMu sync.Mutex
	sems  map[string]chan struct{}
}

// New creates a router.
func New(cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = DefaultStartupWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(map[string]PendingRequest),
		sems:    make(map[string]chan struct{}),
	}
}

// Call invokes tool with args. A timeout of zero uses the configured default.
// Tool-level failures come back as a Result with IsError set; gateway-level
// failures come back as a *toolerr.Error.
func (r *Router) Call(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	start := time.Now()
	rec := CallRecord{ID: uuid.NewString(), Tool: tool, StartedAt: start}

	res, err := r.call(ctx, &rec, args, timeout)

	rec.Duration = time.Since(start)
	switch {
	case err != nil:
		rec.Outcome = toolerr.KindName(err)
		rec.Error = err.Error()
		r.logger.Warn("tool call failed",
			"call_id", rec.ID,
			"tool", tool,
			"provider_id", rec.ProviderID,
			"kind", rec.Outcome,
			"error", err,
		)
	case res.IsError:
		rec.Outcome = OutcomeToolError
	default:
		rec.Outcome = OutcomeOK
	}
	r.logger.Debug("tool call finished",
		"call_id", rec.ID,
		"tool", tool,
		"outcome", rec.Outcome,
		"duration", rec.Duration,
	)
	if r.cfg.Observer != nil {
		r.cfg.Observer.CallFinished(rec)
	}
	return res, err
}

func (r *Router) call(ctx context.Context, rec *CallRecord, args json.RawMessage, timeout time.Duration) (*Result, error) {
	desc, err := r.cfg.Registry.Lookup(rec.Tool)
	if err != nil {
		return nil, err
	}
	rec.ProviderID = desc.ProviderID

	target, ok := r.cfg.Providers(desc.ProviderID)
	if !ok {
		return nil, toolerr.New(toolerr.ErrProviderUnavailable, rec.Tool, desc.ProviderID, "provider is not registered")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	deadline, _ := callCtx.Deadline()
	r.track(PendingRequest{
		ID:         rec.ID,
		ToolName:   rec.Tool,
		ProviderID: desc.ProviderID,
		StartedAt:  rec.StartedAt,
		Deadline:   deadline,
	})
	defer r.untrack(rec.ID)

	if err := r.awaitServing(ctx, callCtx, target, rec.Tool, timeout); err != nil {
		return nil, err
	}

	if r.cfg.SerializePerProvider {
		release, err := r.acquire(callCtx, desc.ProviderID)
		if err != nil {
			return nil, r.deadlineError(ctx, rec.Tool, desc.ProviderID, timeout)
		}
		defer release()
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := target.Call(callCtx, "tools/call", callParams{Name: rec.Tool, Arguments: args})
	if err != nil {
		return r.classify(ctx, err, rec.Tool, desc.ProviderID, timeout)
	}

	res, err := decodeResult(raw)
	if err != nil {
		return nil, toolerr.New(toolerr.ErrProtocolParse, rec.Tool, desc.ProviderID, err.Error())
	}
	return res, nil
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// awaitServing applies the startup policy.
func (r *Router) awaitServing(parent, callCtx context.Context, t Target, tool string, timeout time.Duration) error {
	st := t.State()
	if st.Serving() {
		return nil
	}
	if st == supervisor.StateStopped {
		return toolerr.New(toolerr.ErrProviderUnavailable, tool, t.ID(), "provider is Stopped")
	}
	if r.cfg.StartupPolicy == PolicyFailFast {
		return toolerr.New(toolerr.ErrProviderUnavailable, tool, t.ID(), "provider is "+st.String())
	}

	waitCtx, cancel := context.WithTimeout(callCtx, r.cfg.StartupWait)
	defer cancel()
	st, err := t.WaitState(waitCtx, func(s supervisor.State) bool {
		return s.Serving() || s == supervisor.StateStopped
	})
	if err != nil {
		if callCtx.Err() != nil {
			return r.deadlineError(parent, tool, t.ID(), timeout)
		}
		return toolerr.New(toolerr.ErrProviderUnavailable, tool, t.ID(),
			fmt.Sprintf("provider still %s after %s", st, r.cfg.StartupWait))
	}
	if st == supervisor.StateStopped {
		return toolerr.New(toolerr.ErrProviderUnavailable, tool, t.ID(), "provider is Stopped")
	}
	return nil
}

// classify maps a provider call failure to a result or a gateway error.
func (r *Router) classify(parent context.Context, err error, tool, providerID string, timeout time.Duration) (*Result, error) {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		return &Result{Content: []Content{TextContent(rpcErr.Message)}, IsError: true}, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, r.deadlineError(parent, tool, providerID, timeout)
	}
	var te *toolerr.Error
	if errors.As(err, &te) {
		return nil, toolerr.WithTool(err, tool)
	}
	return nil, toolerr.New(toolerr.ErrProviderCrashed, tool, providerID, err.Error())
}

// deadlineError distinguishes our timeout from the caller giving up.
func (r *Router) deadlineError(parent context.Context, tool, providerID string, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return toolerr.New(toolerr.ErrTimeout, tool, providerID, fmt.Sprintf("no response within %s", timeout))
}

func (r *Router) acquire(ctx context.Context, providerID string) (func(), error) {
	r.semMu.Lock()
	sem, ok := r.sems[providerID]
	if !ok {
		sem = make(chan struct{}, 1)
		r.sems[providerID] = sem
	}
	r.semMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) track(p PendingRequest) {
	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()
}

func (r *Router) untrack(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Pending returns the in-flight calls.
func (r *Router) Pending() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingRequest, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out
}

// PendingCount returns the number of in-flight calls.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
