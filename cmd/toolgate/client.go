// ABOUTME: HTTP client used by the CLI commands that talk to a running gateway
// ABOUTME: Wraps the admin API and JSON-RPC calls to POST /mcp

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/toolgate/internal/mcp"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// apiError is a non-2xx answer from the gateway.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a JSON body into out when out is non-nil.
// Non-2xx statuses become *apiError unless acceptStatus lists them.
func (c *apiClient) do(ctx context.Context, method, path string, body any, out any, acceptStatus ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("contacting gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range acceptStatus {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// rpcResponse keeps the result raw so callers decode it into their own type.
type rpcResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *mcp.JSONRPCError `json:"error"`
}

// rpcError is a JSON-RPC error answered by the gateway.
type rpcError struct {
	Code    int
	Message string
	Kind    string
}

func (e *rpcError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

func (c *apiClient) rpc(ctx context.Context, method string, params any, out any) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}

	var resp rpcResponse
	if _, err := c.do(ctx, http.MethodPost, "/mcp", req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		e := &rpcError{Code: resp.Error.Code, Message: resp.Error.Message}
		if data, ok := resp.Error.Data.(map[string]any); ok {
			e.Kind, _ = data["kind"].(string)
		}
		return e
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}
