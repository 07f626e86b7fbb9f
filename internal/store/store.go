// ABOUTME: Store interface and record types for the gateway's event ledger
// ABOUTME: Records provider state transitions and finished tool calls

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Limits for list queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ProviderEvent is one provider state transition.
type ProviderEvent struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"providerId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	RestartCount int       `json:"restartCount"`
	Reason       string    `json:"reason,omitempty"`
	Fatal        bool      `json:"fatal,omitempty"`
	At           time.Time `json:"at"`
}

// ToolCall is one finished tool call.
type ToolCall struct {
	ID         string        `json:"id"`
	Tool       string        `json:"tool"`
	ProviderID string        `json:"providerId,omitempty"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationNs"`
}

// ListEventsParams filters provider events. Newest first.
type ListEventsParams struct {
	ProviderID string // Optional
	Limit      int    // 1-500, defaults to 50
}

// ListCallsParams filters tool calls. Newest first.
type ListCallsParams struct {
	Tool  string // Optional
	Limit int    // 1-500, defaults to 50
}

// Store persists the ledger.
type Store interface {
	AppendProviderEvent(ctx context.Context, ev *ProviderEvent) error
	ListProviderEvents(ctx context.Context, p ListEventsParams) ([]ProviderEvent, error)
	GetProviderEvent(ctx context.Context, id string) (*ProviderEvent, error)

	AppendToolCall(ctx context.Context, call *ToolCall) error
	ListToolCalls(ctx context.Context, p ListCallsParams) ([]ToolCall, error)

	Close() error
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}
