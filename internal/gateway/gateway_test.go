// ABOUTME: End-to-end tests for the wired gateway using re-executed fake providers
// ABOUTME: Covers MCP calls, health aggregation, SSE state events, the ledger API and lifecycle

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/providerkit/providertest"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/supervisor"
)

func TestMain(m *testing.M) {
	providertest.Main(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeProvider(id, mode string) config.ProviderConfig {
	cmd, args, env := providertest.Command(mode, "")
	return config.ProviderConfig{ID: id, Command: cmd, Args: args, Env: env}
}

func testConfig(t *testing.T, providers ...config.ProviderConfig) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "toolgate.db")
	cfg.Supervisor.RestartBackoffBase = 10 * time.Millisecond
	cfg.Supervisor.RestartBackoffMax = 40 * time.Millisecond
	cfg.Supervisor.MaxRestarts = 3
	cfg.Supervisor.StopTimeout = time.Second
	cfg.Providers = providers
	require.NoError(t, cfg.Validate())
	return cfg
}

// newTestGateway builds a gateway behind an httptest server. Providers are
// not launched until the test calls Start.
func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(cfg, quietLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
	})
	return gw, srv
}

func waitProvider(t *testing.T, gw *Gateway, id string, want supervisor.State) {
	t.Helper()
	// Serve may still be starting providers in another goroutine.
	var p *supervisor.Provider
	require.Eventually(t, func() bool {
		var ok bool
		p, ok = gw.Supervisor().Get(id)
		return ok
	}, 5*time.Second, 5*time.Millisecond, "provider %s not started", id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := p.WaitState(ctx, func(s supervisor.State) bool { return s == want })
	require.NoError(t, err, "waiting for %s, last state %s", want, got)
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Kind     string `json:"kind"`
			Tool     string `json:"tool"`
			Provider string `json:"provider"`
		} `json:"data"`
	} `json:"error"`
}

func postMCP(t *testing.T, srv *httptest.Server, method string, params any) rpcResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestEchoThroughMCP(t *testing.T) {
	gw, srv := newTestGateway(t, testConfig(t, fakeProvider("echo", providertest.ModeEcho)))
	require.NoError(t, gw.Start(context.Background()))
	waitProvider(t, gw, "echo", supervisor.StateRunning)

	list := postMCP(t, srv, "tools/list", nil)
	require.Nil(t, list.Error)
	assert.Contains(t, string(list.Result), `"name":"echo"`)

	resp := postMCP(t, srv, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]string{"msg": "hi"},
	})
	require.Nil(t, resp.Error)
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)

	missing := postMCP(t, srv, "tools/call", map[string]any{"name": "nope"})
	require.NotNil(t, missing.Error)
	assert.Equal(t, "ToolNotFound", missing.Error.Data.Kind)

	// The recorder writes asynchronously.
	require.Eventually(t, func() bool {
		var body struct {
			Calls []store.ToolCall `json:"calls"`
		}
		getJSON(t, srv.URL+"/api/calls?tool=echo", &body)
		return len(body.Calls) == 1 && body.Calls[0].Outcome == "ok"
	}, 5*time.Second, 20*time.Millisecond)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	text, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `toolgate_tool_calls_total{outcome="ok",provider="echo",tool="echo"} 1`)
	assert.Contains(t, string(text), `toolgate_provider_state{provider="echo",state="Running"} 1`)
}

func TestDeclaredToolsReachProviderWithoutToolsList(t *testing.T) {
	bare := fakeProvider("bare", providertest.ModeNoToolsList)
	bare.Tools = []config.ToolConfig{{
		Name:        "echo",
		Description: "Echo the msg argument",
		InputSchema: map[string]any{"type": "object", "required": []any{"msg"}},
	}}
	gw, srv := newTestGateway(t, testConfig(t, bare))
	require.NoError(t, gw.Start(context.Background()))
	waitProvider(t, gw, "bare", supervisor.StateRunning)

	list := postMCP(t, srv, "tools/list", nil)
	require.Nil(t, list.Error)
	assert.Contains(t, string(list.Result), `"name":"echo"`)
	assert.Contains(t, string(list.Result), `"required":["msg"]`)

	resp := postMCP(t, srv, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]string{"msg": "hi"},
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"text":"hi"`)

	p, ok := gw.Supervisor().Get("bare")
	require.True(t, ok)
	assert.Equal(t, 0, p.RestartCount())
	assert.Equal(t, supervisor.StateRunning, p.State())
}

func TestHealthAggregation(t *testing.T) {
	t.Run("no providers is ok", func(t *testing.T) {
		_, srv := newTestGateway(t, testConfig(t))
		var h HealthResponse
		assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &h))
		assert.Equal(t, StatusOK, h.Status)
		assert.Empty(t, h.Providers)

		resp, err := http.Get(srv.URL + "/health/ready")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("running provider is ok and ready", func(t *testing.T) {
		gw, srv := newTestGateway(t, testConfig(t, fakeProvider("echo", providertest.ModeEcho)))
		require.NoError(t, gw.Start(context.Background()))
		waitProvider(t, gw, "echo", supervisor.StateRunning)

		var h HealthResponse
		assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &h))
		assert.Equal(t, StatusOK, h.Status)
		require.Len(t, h.Providers, 1)
		assert.Equal(t, "Running", h.Providers[0].State)
		assert.Contains(t, h.Tools, "echo")

		resp, err := http.Get(srv.URL + "/health/ready")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("one stopped of two is degraded", func(t *testing.T) {
		gw, srv := newTestGateway(t, testConfig(t,
			fakeProvider("echo", providertest.ModeEcho),
			fakeProvider("broken", providertest.ModeCrash),
		))
		require.NoError(t, gw.Start(context.Background()))
		waitProvider(t, gw, "echo", supervisor.StateRunning)
		waitProvider(t, gw, "broken", supervisor.StateStopped)

		var h HealthResponse
		getJSON(t, srv.URL+"/health", &h)
		assert.Equal(t, StatusDegraded, h.Status)
	})

	t.Run("all stopped is down", func(t *testing.T) {
		gw, srv := newTestGateway(t, testConfig(t, fakeProvider("broken", providertest.ModeCrash)))
		require.NoError(t, gw.Start(context.Background()))
		waitProvider(t, gw, "broken", supervisor.StateStopped)

		var h HealthResponse
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/health", &h))
		assert.Equal(t, StatusDown, h.Status)
		require.Len(t, h.Providers, 1)
		assert.Equal(t, 3, h.Providers[0].RestartCount)
		assert.Zero(t, gw.Supervisor().LiveProcesses())
	})
}

func TestCrashBudgetIsRecordedInLedger(t *testing.T) {
	gw, srv := newTestGateway(t, testConfig(t, fakeProvider("broken", providertest.ModeCrash)))
	require.NoError(t, gw.Start(context.Background()))
	waitProvider(t, gw, "broken", supervisor.StateStopped)

	require.Eventually(t, func() bool {
		var body struct {
			Events []store.ProviderEvent `json:"events"`
		}
		getJSON(t, srv.URL+"/api/events?provider=broken", &body)
		return len(body.Events) > 0 && body.Events[0].Fatal && body.Events[0].To == "Stopped"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/events?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLedgerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	_, srv := newTestGateway(t, cfg)

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperatorRestartEndpoint(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	p := fakeProvider("flaky", providertest.ModeCrashUntil)
	p.Env[providertest.EnvMarker] = marker

	gw, srv := newTestGateway(t, testConfig(t, p))
	require.NoError(t, gw.Start(context.Background()))
	waitProvider(t, gw, "flaky", supervisor.StateStopped)

	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	resp, err := http.Post(srv.URL+"/api/providers/flaky/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitProvider(t, gw, "flaky", supervisor.StateRunning)

	var body struct {
		Providers []ProviderInfo `json:"providers"`
	}
	getJSON(t, srv.URL+"/api/providers", &body)
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "Running", body.Providers[0].State)
	assert.Contains(t, body.Providers[0].Tools, "echo")
	assert.NotZero(t, body.Providers[0].PID)

	resp, err = http.Post(srv.URL+"/api/providers/ghost/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type sseEvent struct {
	Name string
	Data string
}

func openStream(t *testing.T, srv *httptest.Server) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ch := make(chan sseEvent, 128)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.Name != "" {
					ch <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

// waitEvent skips events until match accepts one.
func waitEvent(t *testing.T, ch <-chan sseEvent, match func(sseEvent) bool) sseEvent {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "stream ended")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return sseEvent{}
		}
	}
}

func stateEvent(id string, to supervisor.State) func(sseEvent) bool {
	return func(ev sseEvent) bool {
		if ev.Name != session.EventProviderState {
			return false
		}
		var change struct {
			ProviderID string `json:"providerId"`
			To         string `json:"to"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &change); err != nil {
			return false
		}
		return change.ProviderID == id && change.To == to.String()
	}
}

func TestStreamsSeeProviderDegrade(t *testing.T) {
	cfg := testConfig(t, fakeProvider("deaf", providertest.ModeMutePing))
	cfg.Supervisor.HeartbeatInterval = 100 * time.Millisecond
	cfg.Supervisor.RestartBackoffBase = time.Second
	cfg.Supervisor.RestartBackoffMax = time.Second
	gw, srv := newTestGateway(t, cfg)

	first := openStream(t, srv)
	second := openStream(t, srv)
	waitEvent(t, first, func(ev sseEvent) bool { return ev.Name == session.EventSnapshot })
	waitEvent(t, second, func(ev sseEvent) bool { return ev.Name == session.EventSnapshot })

	require.NoError(t, gw.Start(context.Background()))

	waitEvent(t, first, func(ev sseEvent) bool { return ev.Name == session.EventToolsChanged })
	waitEvent(t, first, stateEvent("deaf", supervisor.StateDegraded))
	waitEvent(t, second, stateEvent("deaf", supervisor.StateDegraded))

	late := openStream(t, srv)
	snapEv := waitEvent(t, late, func(ev sseEvent) bool { return ev.Name == session.EventSnapshot })
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal([]byte(snapEv.Data), &snap))
	require.Len(t, snap.Providers, 1)
	assert.Equal(t, "deaf", snap.Providers[0].ID)
	assert.NotEqual(t, "Starting", snap.Providers[0].State)
}

func TestServeStopsOnCancel(t *testing.T) {
	gw, err := New(testConfig(t, fakeProvider("echo", providertest.ModeEcho)), quietLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln, nil) }()

	waitProvider(t, gw, "echo", supervisor.StateRunning)

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Zero(t, gw.Supervisor().LiveProcesses())

	// A second shutdown is a no-op.
	assert.NoError(t, gw.Shutdown(context.Background()))
}
