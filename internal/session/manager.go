// ABOUTME: SSE session manager: serves GET /sse, sends the capability snapshot on open, drives
// ABOUTME: every session's heartbeat from one ticker, and fans out best-effort notifications.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/registry"
)

// Defaults applied by NewManager.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBufferSize        = 64
)

// Event names written on the stream.
const (
	EventEndpoint      = "endpoint"
	EventSnapshot      = "snapshot"
	EventHeartbeat     = "heartbeat"
	EventProviderState = "provider_state"
	EventToolsChanged  = "tools_changed"
	EventMessage       = "message"
)

var (
	// ErrSessionNotFound is returned by SendTo for unknown or closed sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned by SendTo when the session's queue is full.
	ErrSessionBusy = errors.New("session queue full")
	// ErrManagerClosed is returned once the manager has shut down.
	ErrManagerClosed = errors.New("session manager closed")
)

// ProviderStatus is one provider's entry in a snapshot.
type ProviderStatus struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	RestartCount int    `json:"restartCount"`
}

// Snapshot is the capability snapshot a session receives when it opens.
type Snapshot struct {
	Tools     []registry.ToolDescriptor `json:"tools"`
	Providers []ProviderStatus          `json:"providers"`
}

// Config configures a Manager.
type Config struct {
	HeartbeatInterval time.Duration
	BufferSize        int

	// Snapshot returns the current capabilities. Required.
	Snapshot func() Snapshot

	// MessagePath is advertised in the endpoint event. Empty disables it.
	MessagePath string

	Logger *slog.Logger
}

// Manager owns every SSE session.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() Snapshot { return Snapshot{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
	}
}

// Run drives the heartbeat for all open sessions until ctx ends, then closes
// every session.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case now := <-ticker.C:
			m.heartbeat(now)
		}
	}
}

func (m *Manager) heartbeat(now time.Time) {
	ev := Event{Name: EventHeartbeat, Data: map[string]any{"time": now.UTC()}}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if !s.enqueue(ev) {
			m.logger.Debug("heartbeat not queued", "session_id", s.id, "state", s.State().String())
		}
	}
}

// open registers a session and queues its first events. The snapshot is taken
// under the same lock Broadcast uses, so a session sees every change either
// in its snapshot or as a later event.
func (m *Manager) open(r *http.Request) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	s := newSession(uuid.NewString(), r, m.cfg.BufferSize)
	if m.cfg.MessagePath != "" {
		s.enqueue(Event{Name: EventEndpoint, Data: m.cfg.MessagePath + "?session_id=" + url.QueryEscape(s.id)})
	}
	s.enqueue(Event{Name: EventSnapshot, Data: m.cfg.Snapshot()})
	s.state.Store(int32(StateOpen))
	m.sessions[s.id] = s

	m.logger.Info("sse session opened",
		"session_id", s.id,
		"remote", s.remote,
		"sessions", len(m.sessions),
	)
	return s, nil
}

// release tears a session down. It runs on every exit path of ServeHTTP.
func (m *Manager) release(s *Session, reason string) {
	s.state.Store(int32(StateClosing))

	m.mu.Lock()
	delete(m.sessions, s.id)
	remaining := len(m.sessions)
	m.mu.Unlock()

	s.shutdown()
drain:
	for {
		select {
		case <-s.events:
		default:
			break drain
		}
	}
	s.state.Store(int32(StateClosed))

	m.logger.Info("sse session closed",
		"session_id", s.id,
		"reason", reason,
		"duration", time.Since(s.openedAt).Round(time.Millisecond),
		"dropped", s.Dropped(),
		"sessions", remaining,
	)
}

// ServeHTTP streams events to one client until it disconnects, a write fails,
// or the manager closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s, err := m.open(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	reason := "client disconnected"
	defer func() { m.release(s, reason) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			reason = "session closed by gateway"
			return
		case ev := <-s.events:
			if err := m.writeEvent(w, s, ev); err != nil {
				reason = "write failed"
				m.logger.Debug("sse write failed", "session_id", s.id, "error", err)
				return
			}
			flusher.Flush()
			if ev.Name == EventHeartbeat {
				s.lastPing.Store(time.Now().UnixNano())
			}
		}
	}
}

func (m *Manager) writeEvent(w http.ResponseWriter, s *Session, ev Event) error {
	var data []byte
	switch d := ev.Data.(type) {
	case string:
		data = []byte(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			m.logger.Error("failed to marshal SSE data", "event", ev.Name, "error", err)
			return nil
		}
		data = b
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq.Add(1), ev.Name, data)
	return err
}

// Broadcast offers an event to every open session without blocking. It
// returns how many sessions queued it.
func (m *Manager) Broadcast(name string, data any) int {
	ev := Event{Name: name, Data: data}
	m.mu.RLock()
	defer m.mu.RUnlock()

	delivered := 0
	for _, s := range m.sessions {
		if s.enqueue(ev) {
			delivered++
		} else {
			m.logger.Debug("event dropped", "session_id", s.id, "event", name)
		}
	}
	return delivered
}

// SendTo queues an event for one session.
func (m *Manager) SendTo(id, name string, data any) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.State() != StateOpen {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.enqueue(Event{Name: name, Data: data}) {
		return fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	return nil
}

// Has reports whether id names an open session.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions lists open sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Close ends every session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	m.logger.Info("session manager closed", "sessions", len(sessions))
}
