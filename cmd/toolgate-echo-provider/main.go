// ABOUTME: Reference stdio provider serving echo, sleep and fail tools
// ABOUTME: Useful as a smoke test for a gateway config and as an SDK example

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/toolgate/internal/providerkit"
)

var version = "dev"

// maxSleep bounds the sleep tool so a typo cannot pin a call for hours.
const maxSleep = 10 * time.Minute

func tools() []providerkit.Tool {
	return []providerkit.Tool{
		{
			Name:        "echo",
			Description: "Return the msg argument unchanged",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			Handler:     echo,
		},
		{
			Name:        "sleep",
			Description: "Wait for ms milliseconds, then report how long it slept",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer","minimum":0}},"required":["ms"]}`),
			Handler:     sleep,
		},
		{
			Name:        "fail",
			Description: "Always fail with the given message",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
			Handler:     fail,
		},
	}
}

func echo(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Msg *string `json:"msg"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.Msg == nil {
		return nil, errors.New("msg is required")
	}
	return *in.Msg, nil
}

func sleep(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		MS int64 `json:"ms"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	d := time.Duration(in.MS) * time.Millisecond
	if d < 0 || d > maxSleep {
		return nil, fmt.Errorf("ms must be between 0 and %d", maxSleep.Milliseconds())
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return fmt.Sprintf("slept %s", d), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Message == "" {
		in.Message = "requested failure"
	}
	return nil, errors.New(in.Message)
}

func run(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger) error {
	s := providerkit.NewServer("toolgate-echo-provider", version, logger)
	for _, t := range tools() {
		if err := s.AddTool(t); err != nil {
			return fmt.Errorf("adding tool %s: %w", t.Name, err)
		}
	}
	logger.Info("serving on stdio", "tools", len(tools()))
	if err := s.Serve(ctx, in, out); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	// stdout carries the protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("provider failed", "error", err)
		os.Exit(1)
	}
}
