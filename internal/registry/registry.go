// ABOUTME: Single-writer tool registry publishing immutable snapshots for lock-free reads.
// ABOUTME: Tracks which provider owns each tool and keeps tools in insertion order.

package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/toolgate/internal/toolerr"
)

// ErrRegistryClosed is returned by mutations after Close.
var ErrRegistryClosed = errors.New("registry closed")

// ToolDescriptor describes one tool and the provider that implements it.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	ProviderID  string          `json:"providerId"`
}

// Snapshot is an immutable view of the registry at one generation.
type Snapshot struct {
	Generation uint64
	tools      []ToolDescriptor
	index      map[string]int
}

var emptySnapshot = &Snapshot{index: map[string]int{}}

// Lookup returns the descriptor registered under name.
func (s *Snapshot) Lookup(name string) (ToolDescriptor, bool) {
	i, ok := s.index[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return s.tools[i], true
}

// Tools returns the descriptors in insertion order. The slice is a copy.
func (s *Snapshot) Tools() []ToolDescriptor {
	out := make([]ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Names returns tool names in insertion order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.Name
	}
	return out
}

// Len returns the number of registered tools.
func (s *Snapshot) Len() int { return len(s.tools) }

// ForProvider returns the tools owned by providerID in insertion order.
func (s *Snapshot) ForProvider(providerID string) []ToolDescriptor {
	var out []ToolDescriptor
	for _, t := range s.tools {
		if t.ProviderID == providerID {
			out = append(out, t)
		}
	}
	return out
}

// build creates the next snapshot from an ordered tool list.
func (s *Snapshot) build(tools []ToolDescriptor) *Snapshot {
	index := make(map[string]int, len(tools))
	for i, t := range tools {
		index[t.Name] = i
	}
	return &Snapshot{Generation: s.Generation + 1, tools: tools, index: index}
}

// ChangeListener is invoked on the writer goroutine after each published
// mutation. Listeners must not call back into Registry mutators.
type ChangeListener func(snap *Snapshot)

type op struct {
	apply func(cur *Snapshot) (*Snapshot, error)
	reply chan error
}

// Registry serializes all mutations through one goroutine and serves reads
// from the most recently published snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
	ops     chan op
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// New creates a Registry and starts its writer goroutine.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		ops:    make(chan op),
		done:   make(chan struct{}),
		logger: logger,
	}
	r.current.Store(emptySnapshot)
	go r.run()
	return r
}

func (r *Registry) run() {
	for {
		select {
		case o := <-r.ops:
			cur := r.current.Load()
			next, err := o.apply(cur)
			if err == nil && next != nil {
				r.current.Store(next)
				r.notify(next)
			}
			o.reply <- err
		case <-r.done:
			return
		}
	}
}

func (r *Registry) submit(apply func(cur *Snapshot) (*Snapshot, error)) error {
	o := op{apply: apply, reply: make(chan error, 1)}
	select {
	case r.ops <- o:
	case <-r.done:
		return ErrRegistryClosed
	}
	return <-o.reply
}

func (r *Registry) notify(snap *Snapshot) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(snap)
	}
}

// OnChange registers a listener for published mutations.
func (r *Registry) OnChange(l ChangeListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// Close stops the writer goroutine. Reads keep working against the last snapshot.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// Snapshot returns the current published snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup returns the tool registered under name or a ToolNotFound error.
func (r *Registry) Lookup(name string) (ToolDescriptor, error) {
	d, ok := r.current.Load().Lookup(name)
	if !ok {
		return ToolDescriptor{}, toolerr.New(toolerr.ErrToolNotFound, name, "", "")
	}
	return d, nil
}

// ListAll returns every registered tool in insertion order.
func (r *Registry) ListAll() []ToolDescriptor {
	return r.current.Load().Tools()
}

// Register adds a tool. Returns a DuplicateTool error if the name is taken;
// the registry is unchanged in that case.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	err := r.submit(func(cur *Snapshot) (*Snapshot, error) {
		if existing, ok := cur.Lookup(d.Name); ok {
			return nil, duplicate(d, existing)
		}
		tools := make([]ToolDescriptor, len(cur.tools), len(cur.tools)+1)
		copy(tools, cur.tools)
		tools = append(tools, d)
		return cur.build(tools), nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("=== TOOL REGISTERED ===",
		"tool", d.Name,
		"provider_id", d.ProviderID,
	)
	return nil
}

// Unregister removes a tool. Returns a ToolNotFound error if it is absent.
func (r *Registry) Unregister(name string) error {
	err := r.submit(func(cur *Snapshot) (*Snapshot, error) {
		if _, ok := cur.index[name]; !ok {
			return nil, toolerr.New(toolerr.ErrToolNotFound, name, "", "")
		}
		tools := make([]ToolDescriptor, 0, len(cur.tools)-1)
		for _, t := range cur.tools {
			if t.Name != name {
				tools = append(tools, t)
			}
		}
		return cur.build(tools), nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("=== TOOL UNREGISTERED ===", "tool", name)
	return nil
}

// ReplaceProviderTools swaps the tool set owned by providerID in a single
// mutation. Tools that survive keep their position, new tools are appended.
// If any name belongs to another provider nothing changes and a DuplicateTool
// error is returned. An identical set publishes no new generation.
func (r *Registry) ReplaceProviderTools(providerID string, descs []ToolDescriptor) error {
	var added, removed int
	var unchanged bool
	err := r.submit(func(cur *Snapshot) (*Snapshot, error) {
		incoming := make(map[string]ToolDescriptor, len(descs))
		order := make([]string, 0, len(descs))
		for _, d := range descs {
			d.ProviderID = providerID
			if d.Name == "" {
				return nil, fmt.Errorf("provider %q advertised a tool without a name", providerID)
			}
			if _, dup := incoming[d.Name]; dup {
				return nil, toolerr.New(toolerr.ErrDuplicateTool, d.Name, providerID, "advertised twice")
			}
			if existing, ok := cur.Lookup(d.Name); ok && existing.ProviderID != providerID {
				return nil, duplicate(d, existing)
			}
			incoming[d.Name] = d
			order = append(order, d.Name)
		}

		added, removed = 0, 0
		modified := false
		tools := make([]ToolDescriptor, 0, len(cur.tools)+len(descs))
		kept := make(map[string]bool, len(descs))
		for _, t := range cur.tools {
			if t.ProviderID != providerID {
				tools = append(tools, t)
				continue
			}
			if d, ok := incoming[t.Name]; ok {
				tools = append(tools, d)
				kept[t.Name] = true
				if !sameTool(t, d) {
					modified = true
				}
				continue
			}
			removed++
		}
		for _, name := range order {
			if !kept[name] {
				tools = append(tools, incoming[name])
				added++
			}
		}
		unchanged = added == 0 && removed == 0 && !modified
		if unchanged {
			return nil, nil
		}
		return cur.build(tools), nil
	})
	if err != nil {
		return err
	}
	if unchanged {
		r.logger.Debug("provider tools unchanged", "provider_id", providerID, "tools", len(descs))
		return nil
	}

	r.logger.Info("provider tools published",
		"provider_id", providerID,
		"tools", len(descs),
		"added", added,
		"removed", removed,
	)
	return nil
}

func sameTool(a, b ToolDescriptor) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.ProviderID == b.ProviderID &&
		bytes.Equal(a.InputSchema, b.InputSchema)
}

// UnregisterProvider removes every tool owned by providerID and returns how many were removed.
func (r *Registry) UnregisterProvider(providerID string) (int, error) {
	var removed int
	err := r.submit(func(cur *Snapshot) (*Snapshot, error) {
		removed = 0
		tools := make([]ToolDescriptor, 0, len(cur.tools))
		for _, t := range cur.tools {
			if t.ProviderID == providerID {
				removed++
				continue
			}
			tools = append(tools, t)
		}
		if removed == 0 {
			return nil, nil
		}
		return cur.build(tools), nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Info("provider tools unregistered", "provider_id", providerID, "count", removed)
	}
	return removed, nil
}

func duplicate(d, existing ToolDescriptor) error {
	return toolerr.New(toolerr.ErrDuplicateTool, d.Name, d.ProviderID,
		fmt.Sprintf("already registered by provider %q", existing.ProviderID))
}
