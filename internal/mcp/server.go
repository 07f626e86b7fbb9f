// ABOUTME: MCP-compatible JSON-RPC server: POST /mcp and the legacy SSE message endpoint.
// ABOUTME: Both transports share Handle, the one canonical path into the router.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/router"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/toolerr"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is the version we advertise when the client asks for
// one we do not know.
const latestProtocolVersion = "2025-06-18"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ServerName is reported in initialize responses.
const ServerName = "toolgate"

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Gateway error codes, in the implementation-defined server error range.
const (
	CodeProviderUnavailable = -32001
	CodeProviderCrashed     = -32002
	CodeTimeout             = -32003
	CodeHandshakeFailed     = -32004
	CodeDuplicateTool       = -32005
)

// ErrorData is attached to every gateway error so clients can act on the kind.
type ErrorData struct {
	Kind     string `json:"kind"`
	Tool     string `json:"tool,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call. TimeoutMS overrides the
// configured call timeout.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMS int64           `json:"timeoutMs,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// mcpSession tracks a client that completed initialize over POST /mcp.
type mcpSession struct {
	id              string
	protocolVersion string
	clientName      string
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, clientName string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		clientName:      clientName,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry *registry.Registry
	Router   *router.Router
	// Streams enables POST /sse/messages. Optional.
	Streams *session.Manager
	Version string
	Logger  *slog.Logger
}

// Server implements the MCP JSON-RPC surface.
type Server struct {
	registry *registry.Registry
	router   *router.Router
	streams  *session.Manager
	version  string
	logger   *slog.Logger
	sessions *sessionStore

	// inflight tracks detached SSE message handlers so Wait can drain them.
	inflight sync.WaitGroup
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		registry: cfg.Registry,
		router:   cfg.Router,
		streams:  cfg.Streams,
		version:  version,
		logger:   logger,
		sessions: newSessionStore(),
	}, nil
}

// RegisterRoutes registers POST /mcp, and POST /sse/messages when streams are
// configured.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	if s.streams != nil {
		mux.HandleFunc("POST /sse/messages", s.handleSSEMessage)
	}
}

// Wait blocks until detached SSE message handlers finish or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleMCP is the single MCP endpoint.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete forgets an MCP session.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !s.sessions.delete(sessionID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// readRequest reads and validates one JSON-RPC request body. On failure it
// returns the error response to send.
func readRequest(body io.Reader) (JSONRPCRequest, *JSONRPCResponse) {
	var req JSONRPCRequest
	raw, err := io.ReadAll(io.LimitReader(body, MaxRequestBodySize+1))
	if err != nil {
		return req, invalidRequest(nil, JSONRPCParseError, "failed to read request body", "")
	}
	if int64(len(raw)) > MaxRequestBodySize {
		return req, invalidRequest(nil, JSONRPCInvalidRequest, "request body too large", "")
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, invalidRequest(nil, JSONRPCParseError, "invalid JSON", "")
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return req, invalidRequest(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", "")
	}
	if req.Method == "" {
		return req, invalidRequest(req.ID, JSONRPCInvalidRequest, "method is required", "")
	}
	return req, nil
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	req, bad := readRequest(r.Body)
	if bad != nil {
		s.writeResponse(w, bad)
		return
	}

	if protoVersion := r.Header.Get("Mcp-Protocol-Version"); protoVersion != "" && req.Method != "initialize" {
		if !supportedProtocolVersions[protoVersion] {
			http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
			return
		}
	}
	if sessionID := r.Header.Get("Mcp-Session-Id"); sessionID != "" && req.Method != "initialize" {
		if _, ok := s.sessions.get(sessionID); !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	// A client disconnect does not cancel a call already routed to a provider.
	resp := s.Handle(context.WithoutCancel(r.Context()), req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if req.Method == "initialize" && resp.Error == nil {
		if res, ok := resp.Result.(initializeResult); ok {
			sess := s.sessions.create(res.ProtocolVersion, res.clientName)
			w.Header().Set("Mcp-Session-Id", sess.id)
			s.logger.Info("MCP session created",
				"session_id", sess.id,
				"protocol_version", sess.protocolVersion,
				"client", sess.clientName,
			)
		}
	}
	s.writeResponse(w, resp)
}

// handleSSEMessage accepts a request for an open SSE session and answers it
// on that session's stream.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing session_id", http.StatusBadRequest)
		return
	}
	if !s.streams.Has(sessionID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	req, bad := readRequest(r.Body)
	if bad != nil {
		s.writeResponse(w, bad)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		resp := s.Handle(ctx, req)
		if resp == nil {
			return
		}
		if err := s.streams.SendTo(sessionID, session.EventMessage, resp); err != nil {
			s.logger.Warn("dropping SSE response", "session_id", sessionID, "method", req.Method, "error", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// Handle runs one request and returns its response, or nil for notifications.
func (s *Server) Handle(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", req.IsNotification(),
	)

	if req.IsNotification() {
		if strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Debug("accepted MCP notification", "method", req.Method)
		} else {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return invalidRequest(req.ID, JSONRPCMethodNotFound, "method not found", "")
	}
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      map[string]any `json:"serverInfo"`

	clientName string
}

func (s *Server) handleInitialize(req JSONRPCRequest) *JSONRPCResponse {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return invalidRequest(req.ID, JSONRPCInvalidParams, "invalid params", "")
		}
	}

	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		ServerInfo: map[string]any{
			"name":    ServerName,
			"version": s.version,
		},
		clientName: params.ClientInfo.Name,
	})
}

func (s *Server) handleToolsList(req JSONRPCRequest) *JSONRPCResponse {
	tools := s.registry.ListAll()
	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(tools))}
	for i, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools[i] = MCPToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}

	s.logger.Debug("tools/list", "count", len(tools))
	return resultResponse(req.ID, result)
}

func (s *Server) handleToolsCall(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return invalidRequest(req.ID, JSONRPCInvalidParams, "invalid params", "")
		}
	}
	if params.Name == "" {
		return invalidRequest(req.ID, JSONRPCInvalidParams, "tool name is required", "")
	}

	args := json.RawMessage(bytes.TrimSpace(params.Arguments))
	switch {
	case len(args) == 0 || string(args) == "null":
		args = json.RawMessage(`{}`)
	case args[0] != '{':
		return invalidRequest(req.ID, JSONRPCInvalidParams, "arguments must be a JSON object", params.Name)
	}
	if params.TimeoutMS < 0 {
		return invalidRequest(req.ID, JSONRPCInvalidParams, "timeoutMs must not be negative", params.Name)
	}
	timeout := time.Duration(params.TimeoutMS) * time.Millisecond

	res, err := s.router.Call(ctx, params.Name, args, timeout)
	if err != nil {
		return s.toolError(req.ID, params.Name, err)
	}

	s.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"is_error", res.IsError,
	)
	return resultResponse(req.ID, res)
}

// toolError maps a router error to a JSON-RPC error.
func (s *Server) toolError(id json.RawMessage, toolName string, err error) *JSONRPCResponse {
	code := JSONRPCInternalError
	message := "tool execution failed"

	switch {
	case errors.Is(err, toolerr.ErrToolNotFound):
		code = JSONRPCInvalidParams
		message = "tool not found"
	case errors.Is(err, toolerr.ErrProviderUnavailable):
		code = CodeProviderUnavailable
		message = "provider unavailable"
	case errors.Is(err, toolerr.ErrProviderCrashed):
		code = CodeProviderCrashed
		message = "provider crashed"
	case errors.Is(err, toolerr.ErrTimeout):
		code = CodeTimeout
		message = "tool execution timed out"
	case errors.Is(err, toolerr.ErrHandshakeFailed):
		code = CodeHandshakeFailed
		message = "provider handshake failed"
	case errors.Is(err, toolerr.ErrDuplicateTool):
		code = CodeDuplicateTool
		message = "duplicate tool"
	case errors.Is(err, toolerr.ErrProtocolParse):
		code = JSONRPCParseError
		message = "provider sent an invalid response"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}

	tool, provider := toolerr.Context(err)
	if tool == "" {
		tool = toolName
	}
	return errorResponse(id, code, message, ErrorData{
		Kind:     toolerr.KindName(err),
		Tool:     tool,
		Provider: provider,
	})
}

// invalidRequest answers a request rejected before it reached the router.
func invalidRequest(id json.RawMessage, code int, message, tool string) *JSONRPCResponse {
	return errorResponse(id, code, message, ErrorData{
		Kind: toolerr.KindName(toolerr.ErrProtocolParse),
		Tool: tool,
	})
}

func resultResponse(id json.RawMessage, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *JSONRPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
