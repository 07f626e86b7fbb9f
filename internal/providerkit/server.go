// ABOUTME: Minimal SDK for writing stdio tool providers that the gateway can supervise.
// ABOUTME: Answers initialize, ping, tools/list and tools/call over line-delimited JSON-RPC.

package providerkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/2389/toolgate/internal/protocol"
)

// ProtocolVersion is reported in initialize responses.
const ProtocolVersion = "2025-03-26"

// ToolHandler executes one tool call. A returned string becomes a text
// content block; any other value is returned as the raw result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// MethodHandler overrides the built-in handling of a JSON-RPC method.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Tool is one tool served by a provider.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is a text content block.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the MCP-shaped tools/call result.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Server serves tools over a single stdio connection.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	mu        sync.RWMutex
	tools     []Tool
	overrides map[string]MethodHandler
	conn      *jsonrpc2.Conn
}

// NewServer creates a provider server. Logs should go to stderr since
// stdout carries the protocol.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:      name,
		version:   version,
		logger:    logger,
		overrides: make(map[string]MethodHandler),
	}
}

// AddTool adds a tool. Names must be unique.
func (s *Server) AddTool(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool name and handler are required")
	}
	if len(t.InputSchema) == 0 {
		t.InputSchema = json.RawMessage(`{"type":"object"}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tools {
		if existing.Name == t.Name {
			return fmt.Errorf("tool %q already added", t.Name)
		}
	}
	s.tools = append(s.tools, t)
	return nil
}

// RemoveTool removes a tool and tells the gateway the tool list changed.
func (s *Server) RemoveTool(ctx context.Context, name string) error {
	s.mu.Lock()
	idx := -1
	for i, t := range s.tools {
		if t.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("tool %q not found", name)
	}
	s.tools = append(s.tools[:idx:idx], s.tools[idx+1:]...)
	s.mu.Unlock()

	return s.NotifyToolsChanged(ctx)
}

// HandleMethod installs a handler that replaces the built-in behavior for method.
func (s *Server) HandleMethod(method string, h MethodHandler) {
	s.mu.Lock()
	s.overrides[method] = h
	s.mu.Unlock()
}

// NotifyToolsChanged sends notifications/tools/list_changed if connected.
func (s *Server) NotifyToolsChanged(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Notify(ctx, "notifications/tools/list_changed", nil)
}

type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	var errs []error
	if c, ok := s.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Serve handles requests from in and writes responses to out until in is
// exhausted or ctx is cancelled. Requests are handled concurrently.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := jsonrpc2.NewBufferedStream(stdio{Reader: in, Writer: out}, protocol.LineCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)))

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("provider serving", "name", s.name, "version", s.version)

	select {
	case <-conn.DisconnectNotify():
		s.logger.Info("gateway disconnected")
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

func (s *Server) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	s.mu.RLock()
	override, ok := s.overrides[req.Method]
	s.mu.RUnlock()
	if ok {
		return override(ctx, params)
	}

	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
			"serverInfo": map[string]any{
				"name":    s.name,
				"version": s.version,
			},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": s.listTools()}, nil
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		if req.Notif {
			s.logger.Debug("notification received", "method", req.Method)
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) listTools() []toolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]toolInfo, len(s.tools))
	for i, t := range s.tools {
		out[i] = toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "tools/call requires a tool name"}
	}

	var handler ToolHandler
	s.mu.RLock()
	for _, t := range s.tools {
		if t.Name == p.Name {
			handler = t.Handler
			break
		}
	}
	s.mu.RUnlock()
	if handler == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "unknown tool: " + p.Name}
	}

	if len(p.Arguments) == 0 {
		p.Arguments = json.RawMessage(`{}`)
	}

	out, err := handler(ctx, p.Arguments)
	if err != nil {
		s.logger.Warn("tool failed", "tool", p.Name, "error", err)
		return CallResult{Content: []Content{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}
	if text, ok := out.(string); ok {
		return CallResult{Content: []Content{{Type: "text", Text: text}}}, nil
	}
	return out, nil
}
