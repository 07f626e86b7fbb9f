// ABOUTME: Tests for the provider connection: correlation, envelope validation, and failure paths.
// ABOUTME: Drives a Conn over net.Pipe with a scripted peer standing in for a provider.

package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/toolerr"
)

type inboundFrame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Error  json.RawMessage `json:"error"`
}

// peer is the provider side of a net.Pipe.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *peer) read() inboundFrame {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.r.ReadBytes('\n')
	require.NoError(p.t, err)
	var f inboundFrame
	require.NoError(p.t, json.Unmarshal(line, &f))
	return f
}

func (p *peer) send(frame string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(frame + "\n"))
	require.NoError(p.t, err)
}

type anomalyRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (a *anomalyRecorder) record(reason string) {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
}

func (a *anomalyRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reasons)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(t *testing.T, opts Options) (*Conn, *peer) {
	t.Helper()
	gatewaySide, providerSide := net.Pipe()
	if opts.ProviderID == "" {
		opts.ProviderID = "test-provider"
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c := NewConn(gatewaySide, opts)
	t.Cleanup(func() {
		_ = c.Close()
		_ = providerSide.Close()
	})
	return c, &peer{t: t, conn: providerSide, r: bufio.NewReader(providerSide)}
}

type callResult struct {
	result json.RawMessage
	err    error
}

func goCall(c *Conn, ctx context.Context, method string, params any) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		res, err := c.Call(ctx, method, params)
		out <- callResult{res, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("call did not complete")
		return callResult{}
	}
}

func TestCallRoundTrip(t *testing.T) {
	c, p := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "tools/call", map[string]any{"name": "echo"})

	req := p.read()
	require.NotNil(t, req.ID)
	assert.Equal(t, uint64(1), *req.ID)
	assert.Equal(t, "tools/call", req.Method)
	assert.JSONEq(t, `{"name":"echo"}`, string(req.Params))

	p.send(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)

	r := await(t, done)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"ok":true}`, string(r.result))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelationIDsAreMonotonic(t *testing.T) {
	c, p := newTestConn(t, Options{})

	for want := uint64(1); want <= 3; want++ {
		done := goCall(c, context.Background(), "ping", nil)
		req := p.read()
		require.NotNil(t, req.ID)
		assert.Equal(t, want, *req.ID)
		p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID))
		require.NoError(t, await(t, done).err)
	}
}

func TestPipelinedResponsesMatchTheirCalls(t *testing.T) {
	c, p := newTestConn(t, Options{})

	first := goCall(c, context.Background(), "tools/call", map[string]string{"n": "first"})
	firstReq := p.read()
	second := goCall(c, context.Background(), "tools/call", map[string]string{"n": "second"})
	secondReq := p.read()

	// Answer in reverse order.
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"second"}`, *secondReq.ID))
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"first"}`, *firstReq.ID))

	assert.JSONEq(t, `"first"`, string(await(t, first).result))
	assert.JSONEq(t, `"second"`, string(await(t, second).result))
}

func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"both result and error", `{"jsonrpc":"2.0","id":%d,"result":1,"error":{"code":1,"message":"x"}}`},
		{"neither result nor error", `{"jsonrpc":"2.0","id":%d}`},
		{"malformed error object", `{"jsonrpc":"2.0","id":%d,"error":"nope"}`},
		{"truncated result", `{"jsonrpc":"2.0","id":%d,"result":{"content":[}`},
		{"broken json with string id", `{"id":"%d","jsonrpc":"2.0","result":tru}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, p := newTestConn(t, Options{})

			done := goCall(c, context.Background(), "tools/call", nil)
			req := p.read()
			p.send(fmt.Sprintf(tt.frame, *req.ID))

			r := await(t, done)
			require.Error(t, r.err)
			assert.True(t, errors.Is(r.err, toolerr.ErrProtocolParse), "got %v", r.err)
			_, provider := toolerr.Context(r.err)
			assert.Equal(t, "test-provider", provider)
		})
	}
}

func TestRecoverID(t *testing.T) {
	tests := []struct {
		frame string
		want  string
	}{
		{`{"jsonrpc":"2.0","id":7,"result":{"content":[}`, `7`},
		{`{"id":"12","result":tru}`, `"12"`},
		{`{"jsonrpc":"2.0","result":{"nested":{"id":3}},"id":4,`, `4`},
		{`{"result":[,"id":5}`, ``},
		{`{"jsonrpc":"2.0","result":1`, ``},
		{`not json`, ``},
		{`[1,2`, ``},
	}
	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			assert.Equal(t, tt.want, string(recoverID([]byte(tt.frame))))
		})
	}
}

func TestUndecodableFrameWithoutIDIsAnomaly(t *testing.T) {
	rec := &anomalyRecorder{}
	c, p := newTestConn(t, Options{OnAnomaly: rec.record})

	done := goCall(c, context.Background(), "ping", nil)
	req := p.read()
	p.send(`{"jsonrpc":"2.0","result":{"content":[}`)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.PendingCount())

	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID))
	require.NoError(t, await(t, done).err)
}

func TestProviderErrorObject(t *testing.T) {
	c, p := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "tools/call", nil)
	req := p.read()
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"disk full"}}`, *req.ID))

	r := await(t, done)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(r.err, &rpcErr), "got %T", r.err)
	assert.Equal(t, int64(-32000), rpcErr.Code)
	assert.Equal(t, "disk full", rpcErr.Message)
}

func TestUnattributableFramesAreDropped(t *testing.T) {
	rec := &anomalyRecorder{}
	c, p := newTestConn(t, Options{OnAnomaly: rec.record})

	p.send(`{"jsonrpc":"2.0","id":99,"result":"nobody asked"}`) // unmatched: logged, not an anomaly
	p.send(`this is not json`)
	p.send(`[1,2,3]`)
	p.send(`{"jsonrpc":"2.0","result":1,"error":{"code":1,"message":"x"}}`)

	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	// The connection keeps working.
	done := goCall(c, context.Background(), "ping", nil)
	req := p.read()
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID))
	require.NoError(t, await(t, done).err)
	assert.Equal(t, 3, rec.count())
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	c, p := newTestConn(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	done := goCall(c, ctx, "tools/call", nil)
	req := p.read()

	r := await(t, done)
	assert.ErrorIs(t, r.err, context.DeadlineExceeded)
	elapsed := time.Since(start)
	assert.True(t, elapsed >= 90*time.Millisecond && elapsed < time.Second, "elapsed %v", elapsed)
	assert.Equal(t, 0, c.PendingCount())
	assert.True(t, retired.Contains(retiredCall{conn: c.serial, id: *req.ID}))

	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"too late"}`, *req.ID))
	require.Eventually(t, func() bool { return !retired.Contains(retiredCall{conn: c.serial, id: *req.ID}) }, 2*time.Second, 10*time.Millisecond)
}

func TestProviderExitFailsPendingCalls(t *testing.T) {
	c, p := newTestConn(t, Options{})

	first := goCall(c, context.Background(), "tools/call", nil)
	p.read()
	second := goCall(c, context.Background(), "tools/call", nil)
	p.read()

	require.NoError(t, p.conn.Close())

	for _, ch := range []<-chan callResult{first, second} {
		r := await(t, ch)
		assert.True(t, errors.Is(r.err, toolerr.ErrProviderCrashed), "got %v", r.err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not marked done")
	}

	_, err := c.Call(context.Background(), "ping", nil)
	assert.True(t, errors.Is(err, toolerr.ErrProviderCrashed))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCloseFailsPendingWithUnavailable(t *testing.T) {
	c, p := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "tools/call", nil)
	p.read()

	require.NoError(t, c.Close())
	r := await(t, done)
	assert.True(t, errors.Is(r.err, toolerr.ErrProviderUnavailable), "got %v", r.err)
	assert.True(t, errors.Is(c.Err(), toolerr.ErrProviderUnavailable))
}

func TestNotificationsReachHook(t *testing.T) {
	got := make(chan string, 1)
	_, p := newTestConn(t, Options{
		OnNotification: func(method string, params json.RawMessage) { got <- method },
	})

	p.send(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	select {
	case m := <-got:
		assert.Equal(t, "notifications/tools/list_changed", m)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestProviderRequestsAreRefused(t *testing.T) {
	_, p := newTestConn(t, Options{})

	p.send(`{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`)

	resp := p.read()
	require.NotNil(t, resp.ID)
	assert.Equal(t, uint64(7), *resp.ID)
	assert.Contains(t, string(resp.Error), fmt.Sprint(jsonrpc2.CodeMethodNotFound))
}

func TestNotifyWritesFrameWithoutID(t *testing.T) {
	c, p := newTestConn(t, Options{})

	require.NoError(t, c.Notify(context.Background(), "notifications/initialized", nil))

	f := p.read()
	assert.Nil(t, f.ID)
	assert.Equal(t, "notifications/initialized", f.Method)
}
