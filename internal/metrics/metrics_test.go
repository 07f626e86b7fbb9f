// ABOUTME: Tests that observer hooks land in the exposed Prometheus series.
// ABOUTME: Scrapes the handler the way a Prometheus server would.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/router"
	"github.com/2389/toolgate/internal/supervisor"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCallMetrics(t *testing.T) {
	m := New()
	m.CallFinished(router.CallRecord{Tool: "echo", ProviderID: "p1", Outcome: router.OutcomeOK, Duration: 20 * time.Millisecond})
	m.CallFinished(router.CallRecord{Tool: "echo", ProviderID: "p1", Outcome: router.OutcomeOK, Duration: 30 * time.Millisecond})
	m.CallFinished(router.CallRecord{Tool: "nope", Outcome: "ToolNotFound"})

	body := scrape(t, m)
	assert.Contains(t, body, `toolgate_tool_calls_total{outcome="ok",provider="p1",tool="echo"} 2`)
	assert.Contains(t, body, `toolgate_tool_calls_total{outcome="ToolNotFound",provider="none",tool="nope"} 1`)
	assert.Contains(t, body, `toolgate_tool_call_duration_seconds_count{tool="echo"} 2`)
}

func TestProviderMetrics(t *testing.T) {
	m := New()
	m.ProviderRestarted("p1")
	m.ProviderRestarted("p1")
	m.ProtocolAnomaly("p1", "unmatched response id")
	m.StateChanged(supervisor.StateChange{ProviderID: "p1", From: supervisor.StateRunning, To: supervisor.StateDegraded})

	body := scrape(t, m)
	assert.Contains(t, body, `toolgate_provider_restarts_total{provider="p1"} 2`)
	assert.Contains(t, body, `toolgate_protocol_anomalies_total{provider="p1"} 1`)
	assert.Contains(t, body, `toolgate_provider_state{provider="p1",state="Degraded"} 1`)
	assert.Contains(t, body, `toolgate_provider_state{provider="p1",state="Running"} 0`)
}

func TestGaugeFuncs(t *testing.T) {
	m := New()
	sessions, pending := 3, 1
	m.TrackSessions(func() int { return sessions })
	m.TrackPending(func() int { return pending })

	body := scrape(t, m)
	assert.Contains(t, body, "toolgate_sse_sessions 3")
	assert.Contains(t, body, "toolgate_pending_requests 1")

	sessions = 0
	assert.Contains(t, scrape(t, m), "toolgate_sse_sessions 0")
}

func TestRuntimeCollectors(t *testing.T) {
	body := scrape(t, New())
	assert.Contains(t, body, "go_goroutines")
}
