// ABOUTME: HTTP routes for health, provider administration and the event ledger
// ABOUTME: Health aggregates provider states into ok, degraded or down

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/supervisor"
)

// Aggregate health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Providers []session.ProviderStatus `json:"providers"`
	Tools     []string                 `json:"tools"`
}

// ProviderInfo is one entry of GET /api/providers.
type ProviderInfo struct {
	ID              string     `json:"id"`
	State           string     `json:"state"`
	RestartCount    int        `json:"restartCount"`
	PID             int        `json:"pid,omitempty"`
	PendingCalls    int        `json:"pendingCalls"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	Command         string     `json:"command"`
	Tools           []string   `json:"tools"`
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("GET /sse", g.sessions)
	g.mcpServer.RegisterRoutes(mux)

	mux.HandleFunc("GET /api/providers", g.handleListProviders)
	mux.HandleFunc("POST /api/providers/{id}/restart", g.handleRestartProvider)
	mux.HandleFunc("GET /api/events", g.handleListEvents)
	mux.HandleFunc("GET /api/calls", g.handleListCalls)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
}

// Health computes the aggregate status. With no providers the gateway is ok;
// it is down only when every provider is Stopped.
func (g *Gateway) Health() HealthResponse {
	providers := g.providerStatuses()

	running, stopped := 0, 0
	for _, p := range providers {
		switch p.State {
		case supervisor.StateRunning.String():
			running++
		case supervisor.StateStopped.String():
			stopped++
		}
	}

	status := StatusOK
	switch {
	case len(providers) > 0 && stopped == len(providers):
		status = StatusDown
	case running < len(providers):
		status = StatusDegraded
	}

	return HealthResponse{
		Status:    status,
		Version:   Version,
		Uptime:    time.Since(g.startedAt).Truncate(time.Second).String(),
		Providers: providers,
		Tools:     g.registry.Snapshot().Names(),
	}
}

// handleHealth reports aggregate status. A down gateway answers 503 so plain
// HTTP health checks fail without parsing the body.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := g.Health()
	code := http.StatusOK
	if h.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, h)
}

// handleReady returns 200 OK if at least one provider can take calls.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	serving := 0
	for _, p := range g.supervisor.List() {
		if p.State().Serving() {
			serving++
		}
	}
	if serving == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no providers serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d providers)", serving)
}

func (g *Gateway) handleListProviders(w http.ResponseWriter, r *http.Request) {
	snap := g.registry.Snapshot()
	providers := g.supervisor.List()
	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		info := ProviderInfo{
			ID:           p.ID(),
			State:        p.State().String(),
			RestartCount: p.RestartCount(),
			PID:          p.PID(),
			PendingCalls: p.PendingCount(),
			Command:      p.Spec().Command,
			Tools:        []string{},
		}
		if hb := p.LastHeartbeatAt(); !hb.IsZero() {
			info.LastHeartbeatAt = &hb
		}
		for _, d := range snap.ForProvider(p.ID()) {
			info.Tools = append(info.Tools, d.Name)
		}
		out = append(out, info)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (g *Gateway) handleRestartProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.supervisor.Restart(id); err != nil {
		if errors.Is(err, supervisor.ErrUnknownProvider) {
			g.sendJSONError(w, http.StatusNotFound, "unknown provider")
			return
		}
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	p, _ := g.supervisor.Get(id)
	g.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":    id,
		"state": p.State().String(),
	})
}

func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "event ledger disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := g.store.ListProviderEvents(r.Context(), store.ListEventsParams{
		ProviderID: r.URL.Query().Get("provider"),
		Limit:      limit,
	})
	if err != nil {
		g.logger.Error("listing provider events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []store.ProviderEvent{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (g *Gateway) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "event ledger disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	calls, err := g.store.ListToolCalls(r.Context(), store.ListCallsParams{
		Tool:  r.URL.Query().Get("tool"),
		Limit: limit,
	})
	if err != nil {
		g.logger.Error("listing tool calls", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	if calls == nil {
		calls = []store.ToolCall{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
