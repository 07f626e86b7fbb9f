// ABOUTME: Per-provider JSON-RPC connection that correlates responses to pending calls by id.
// ABOUTME: One writer drains a bounded outbound queue; one reader validates and routes inbound frames.

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/2389/toolgate/internal/toolerr"
)

const (
	// DefaultOutboundBuffer is the outbound queue size when Options leaves it zero.
	DefaultOutboundBuffer = 64

	// RetiredTTL is how long a timed-out call id is remembered.
	RetiredTTL  = 5 * time.Minute
	retiredSize = 16384
)

// retiredCall names a call that was abandoned on one connection.
type retiredCall struct {
	conn uint64
	id   uint64
}

// retired remembers abandoned calls across every connection so a response
// that arrives after its deadline is recognized and discarded quietly.
var retired = expirable.NewLRU[retiredCall, struct{}](retiredSize, nil, RetiredTTL)

var connSerial atomic.Uint64

// Options configures a Conn.
type Options struct {
	ProviderID     string
	Logger         *slog.Logger
	OutboundBuffer int

	// OnNotification receives provider-initiated notifications. It runs on the
	// reader goroutine and must not block.
	OnNotification func(method string, params json.RawMessage)

	// OnAnomaly is called for frames that cannot be attributed to a pending call.
	OnAnomaly func(reason string)
}

type reply struct {
	result json.RawMessage
	err    error
}

// Conn multiplexes calls over one provider's frame stream. Correlation ids
// are monotonic for the lifetime of the Conn.
type Conn struct {
	providerID string
	serial     uint64
	stream     jsonrpc2.ObjectStream
	logger     *slog.Logger
	opts       Options

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan reply
	closed   bool
	closeErr error

	outbound chan any
	done     chan struct{}
}

// NewConn starts the reader and writer goroutines over rwc.
func NewConn(rwc io.ReadWriteCloser, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = DefaultOutboundBuffer
	}

	c := &Conn{
		providerID: opts.ProviderID,
		serial:     connSerial.Add(1),
		stream:     jsonrpc2.NewBufferedStream(rwc, LineCodec{}),
		logger:     opts.Logger,
		opts:       opts,
		pending:    make(map[uint64]chan reply),
		outbound:   make(chan any, opts.OutboundBuffer),
		done:       make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	return c
}

// Call sends method with params and waits for the matching response.
// A provider JSON-RPC error is returned as *jsonrpc2.Error. When ctx ends
// first, ctx.Err() is returned and a late response for this id is discarded.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Num: id}}
	if params != nil {
		if err := req.SetParams(params); err != nil {
			return nil, fmt.Errorf("encoding params for %s: %w", method, err)
		}
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case c.outbound <- req:
	case <-ctx.Done():
		c.forget(id, false)
		return nil, ctx.Err()
	case <-c.done:
		// Close already resolved ch.
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(id, true)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. It does not wait for the frame to be written.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if params != nil {
		if err := req.SetParams(params); err != nil {
			return fmt.Errorf("encoding params for %s: %w", method, err)
		}
	}
	select {
	case c.outbound <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

// forget drops a pending id. When sent is true the id is remembered so a
// late response is recognized and discarded quietly.
func (c *Conn) forget(id uint64, sent bool) {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok && sent {
		retired.Add(retiredCall{conn: c.serial, id: id}, struct{}{})
	}
}

// PendingCount returns the number of calls awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error pending calls were failed with, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close shuts the connection down. Pending calls fail with ProviderUnavailable.
func (c *Conn) Close() error {
	c.CloseWithError(toolerr.New(toolerr.ErrProviderUnavailable, "", c.providerID, "provider connection closed"))
	return nil
}

// CloseWithError shuts the connection down and fails every pending call with
// err. Only the first close takes effect.
func (c *Conn) CloseWithError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	if len(pending) > 0 {
		c.logger.Warn("failed pending calls on connection close",
			"provider_id", c.providerID,
			"count", len(pending),
			"error", err,
		)
	}

	close(c.done)
	_ = c.stream.Close()
}

func (c *Conn) crashed(detail string) {
	c.CloseWithError(toolerr.New(toolerr.ErrProviderCrashed, "", c.providerID, detail))
}

func (c *Conn) writeLoop() {
	for {
		select {
		case obj := <-c.outbound:
			if err := c.stream.WriteObject(obj); err != nil {
				c.crashed("writing to provider failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		var raw json.RawMessage
		err := c.stream.ReadObject(&raw)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.undecodable(de)
				continue
			}
			select {
			case <-c.done:
			default:
				c.crashed("provider closed its output")
			}
			return
		}
		c.dispatch(raw)
	}
}

// undecodable fails the call a broken frame answers when its id can be
// recovered. Anything else is an anomaly.
func (c *Conn) undecodable(de *DecodeError) {
	if !isNull(de.ID) {
		if id, ok := parseID(de.ID); ok {
			c.logger.Warn("malformed provider frame",
				"provider_id", c.providerID,
				"id", id,
				"frame", de.Frame,
				"error", de.Err,
			)
			c.resolve(id, reply{err: toolerr.New(toolerr.ErrProtocolParse, "", c.providerID,
				"response frame is not valid JSON")})
			return
		}
	}
	c.anomaly("undecodable frame", "frame", de.Frame, "error", de.Err)
}

func (c *Conn) dispatch(raw json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		c.anomaly("frame is not a JSON object")
		return
	}

	idRaw, hasID := fields["id"]
	if hasID && isNull(idRaw) {
		hasID = false
	}

	if methodRaw, ok := fields["method"]; ok {
		c.handleInbound(methodRaw, fields["params"], idRaw, hasID)
		return
	}

	if !hasID {
		c.anomaly("response frame without id")
		return
	}

	id, ok := parseID(idRaw)
	if !ok {
		c.logger.Warn("unmatched provider frame dropped",
			"provider_id", c.providerID,
			"id", string(idRaw),
		)
		return
	}

	resultRaw, hasResult := fields["result"]
	errRaw, hasError := fields["error"]
	if hasError && isNull(errRaw) {
		hasError = false
	}

	switch {
	case hasResult == hasError:
		c.resolve(id, reply{err: toolerr.New(toolerr.ErrProtocolParse, "", c.providerID,
			"response must carry exactly one of result or error")})
	case hasError:
		var rpcErr jsonrpc2.Error
		if err := json.Unmarshal(errRaw, &rpcErr); err != nil {
			c.resolve(id, reply{err: toolerr.New(toolerr.ErrProtocolParse, "", c.providerID,
				"malformed error object")})
			return
		}
		c.resolve(id, reply{err: &rpcErr})
	default:
		c.resolve(id, reply{result: resultRaw})
	}
}

func (c *Conn) resolve(id uint64, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- r
		return
	}

	if retired.Remove(retiredCall{conn: c.serial, id: id}) {
		c.logger.Info("late response discarded", "provider_id", c.providerID, "id", id)
		return
	}
	c.logger.Warn("unmatched provider frame dropped", "provider_id", c.providerID, "id", id)
}

// handleInbound deals with provider-initiated frames. Notifications go to the
// OnNotification hook; requests are refused since the gateway serves none.
func (c *Conn) handleInbound(methodRaw, params, idRaw json.RawMessage, hasID bool) {
	var method string
	if err := json.Unmarshal(methodRaw, &method); err != nil {
		c.anomaly("method is not a string")
		return
	}

	if !hasID {
		if c.opts.OnNotification != nil {
			c.opts.OnNotification(method, params)
		} else {
			c.logger.Debug("provider notification ignored", "provider_id", c.providerID, "method", method)
		}
		return
	}

	var id jsonrpc2.ID
	if err := json.Unmarshal(idRaw, &id); err != nil {
		c.anomaly("request id is malformed", "method", method)
		return
	}
	resp := &jsonrpc2.Response{
		ID: id,
		Error: &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("gateway does not serve %q", method),
		},
	}
	select {
	case c.outbound <- resp:
	default:
		c.logger.Warn("outbound queue full, dropping reply to provider request",
			"provider_id", c.providerID,
			"method", method,
		)
	}
}

func (c *Conn) anomaly(reason string, attrs ...any) {
	args := append([]any{"provider_id", c.providerID, "reason", reason}, attrs...)
	c.logger.Warn("provider protocol anomaly", args...)
	if c.opts.OnAnomaly != nil {
		c.opts.OnAnomaly(reason)
	}
}

func parseID(raw json.RawMessage) (uint64, bool) {
	var id jsonrpc2.ID
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	if !id.IsString {
		return id.Num, true
	}
	n, err := strconv.ParseUint(id.Str, 10, 64)
	return n, err == nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
