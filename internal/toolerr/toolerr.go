// ABOUTME: Error taxonomy shared by the registry, supervisor, protocol adapter and router.
// ABOUTME: Sentinel kinds plus an Error that carries tool and provider context.

package toolerr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Compare with errors.Is.
var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrDuplicateTool       = errors.New("duplicate tool")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderCrashed     = errors.New("provider crashed")
	ErrTimeout             = errors.New("tool call timed out")
	ErrProtocolParse       = errors.New("protocol parse error")
	ErrHandshakeFailed     = errors.New("provider handshake failed")
)

var kindNames = map[error]string{
	ErrToolNotFound:        "ToolNotFound",
	ErrDuplicateTool:       "DuplicateTool",
	ErrProviderUnavailable: "ProviderUnavailable",
	ErrProviderCrashed:     "ProviderCrashed",
	ErrTimeout:             "Timeout",
	ErrProtocolParse:       "ProtocolParseError",
	ErrHandshakeFailed:     "HandshakeFailed",
}

// Error is a gateway error with enough context for a client to act on it.
type Error struct {
	Kind     error
	Tool     string
	Provider string
	Detail   string
}

// New creates an Error of the given kind.
func New(kind error, tool, provider, detail string) *Error {
	return &Error{Kind: kind, Tool: tool, Provider: provider, Detail: detail}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Tool != "" {
		fmt.Fprintf(&b, ": tool %q", e.Tool)
	}
	if e.Provider != "" {
		fmt.Fprintf(&b, ": provider %q", e.Provider)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// KindName returns the taxonomy name for err, or "Internal" when err is not
// one of the known kinds.
func KindName(err error) string {
	for kind, name := range kindNames {
		if errors.Is(err, kind) {
			return name
		}
	}
	return "Internal"
}

// WithTool returns err annotated with the tool name when err is an *Error
// that does not name a tool yet. Other errors are returned unchanged.
func WithTool(err error, tool string) error {
	var te *Error
	if !errors.As(err, &te) || te.Tool != "" {
		return err
	}
	cp := *te
	cp.Tool = tool
	return &cp
}

// Context extracts the tool and provider recorded on err, if any.
func Context(err error) (tool, provider string) {
	var te *Error
	if errors.As(err, &te) {
		return te.Tool, te.Provider
	}
	return "", ""
}
