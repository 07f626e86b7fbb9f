// ABOUTME: One SSE client session: its state machine, bounded event queue, and liveness timestamps.
// ABOUTME: Sessions are created and destroyed only by the Manager.

package session

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State is a session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is one server-sent event. String data is written verbatim; anything
// else is JSON encoded.
type Event struct {
	Name string
	Data any
}

// Session is one streaming client connection.
type Session struct {
	id       string
	remote   string
	openedAt time.Time

	state    atomic.Int32
	lastPing atomic.Int64
	seq      atomic.Uint64
	dropped  atomic.Int64

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, r *http.Request, buffer int) *Session {
	s := &Session{
		id:       id,
		remote:   r.RemoteAddr,
		openedAt: time.Now(),
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// OpenedAt returns when the client connected.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// LastPingAt returns when the last heartbeat was written, or the zero time.
func (s *Session) LastPingAt() time.Time {
	n := s.lastPing.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// enqueue offers ev without blocking. It reports whether ev was queued.
func (s *Session) enqueue(ev Event) bool {
	if s.State() != StateOpen && s.State() != StateConnecting {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// shutdown ends the session's stream loop. Safe to call more than once.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Remote     string    `json:"remote"`
	OpenedAt   time.Time `json:"openedAt"`
	LastPingAt time.Time `json:"lastPingAt"`
	Dropped    int64     `json:"dropped"`
}

func (s *Session) info() Info {
	return Info{
		ID:         s.id,
		State:      s.State(),
		Remote:     s.remote,
		OpenedAt:   s.openedAt,
		LastPingAt: s.LastPingAt(),
		Dropped:    s.Dropped(),
	}
}
