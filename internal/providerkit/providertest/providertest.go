// ABOUTME: Fake provider process for tests: the test binary re-executes itself as a provider.
// ABOUTME: Modes simulate healthy, crashing, silent, and ping-deaf providers.

package providertest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/2389/toolgate/internal/providerkit"
)

// Environment switches read by the re-executed test binary.
const (
	EnvMode   = "TOOLGATE_FAKE_PROVIDER"
	EnvPrefix = "TOOLGATE_FAKE_PREFIX"
	EnvMarker = "TOOLGATE_FAKE_MARKER"
)

// Provider modes.
const (
	ModeEcho            = "echo"              // healthy: echo, hang, slow, die, env, structured, retire tools
	ModeCrash           = "crash"             // exits 1 before reading anything
	ModeMutePing        = "mute-ping"         // healthy, but never answers ping
	ModeSilentHandshake = "silent-handshake"  // never answers initialize
	ModeCrashUntil      = "crash-until-marker" // crashes until the marker file exists, then echo
	ModeNoToolsList     = "no-tools-list"      // healthy, but answers tools/list with method not found
)

// Main runs the fake provider when the binary was launched as one, otherwise
// it runs the tests. Call it from TestMain.
func Main(m *testing.M) {
	if mode := os.Getenv(EnvMode); mode != "" {
		os.Exit(Run(mode))
	}
	os.Exit(m.Run())
}

// Command returns the command line and environment that launch this test
// binary as a fake provider. Tool names are prefixed with prefix.
func Command(mode, prefix string) (string, []string, map[string]string) {
	return os.Args[0], []string{"-test.run=^$"}, map[string]string{
		EnvMode:   mode,
		EnvPrefix: prefix,
	}
}

// Run serves the given mode on stdin/stdout and returns the exit code.
func Run(mode string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch mode {
	case ModeCrash:
		return 1
	case ModeCrashUntil:
		if _, err := os.Stat(os.Getenv(EnvMarker)); err != nil {
			return 1
		}
	}

	s := providerkit.NewServer("fake-"+mode, "0.0.1", logger)
	if err := addTools(s, os.Getenv(EnvPrefix)); err != nil {
		logger.Error("adding tools", "error", err)
		return 2
	}

	block := func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	switch mode {
	case ModeMutePing:
		s.HandleMethod("ping", block)
	case ModeSilentHandshake:
		s.HandleMethod("initialize", block)
	case ModeNoToolsList:
		s.HandleMethod("tools/list", func(context.Context, json.RawMessage) (any, error) {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: tools/list"}
		})
	}

	if err := s.Serve(context.Background(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, io.EOF) {
		return 3
	}
	return 0
}

func addTools(s *providerkit.Server, prefix string) error {
	tools := []providerkit.Tool{
		{
			Name:        prefix + "echo",
			Description: "Echo the msg argument",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
			Handler: func(_ context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Msg string `json:"msg"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				return in.Msg, nil
			},
		},
		{
			Name:        prefix + "hang",
			Description: "Never returns",
			Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		{
			Name:        prefix + "slow",
			Description: "Sleeps for ms milliseconds then returns done",
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					MS int `json:"ms"`
				}
				_ = json.Unmarshal(args, &in)
				select {
				case <-time.After(time.Duration(in.MS) * time.Millisecond):
					return "done", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		{
			Name:        prefix + "die",
			Description: "Exits the provider process",
			Handler: func(context.Context, json.RawMessage) (any, error) {
				os.Exit(3)
				return nil, nil
			},
		},
		{
			Name:        prefix + "env",
			Description: "Returns the value of an environment variable",
			Handler: func(_ context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Key string `json:"key"`
				}
				_ = json.Unmarshal(args, &in)
				return os.Getenv(in.Key), nil
			},
		},
		{
			Name:        prefix + "structured",
			Description: "Returns a non-text result",
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return map[string]int{"answer": 42}, nil
			},
		},
		{
			Name:        prefix + "retire",
			Description: "Removes the named tool and announces the new tool list",
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Name string `json:"name"`
				}
				_ = json.Unmarshal(args, &in)
				if err := s.RemoveTool(ctx, in.Name); err != nil {
					return nil, err
				}
				return "retired " + in.Name, nil
			},
		},
	}
	for _, t := range tools {
		if err := s.AddTool(t); err != nil {
			return err
		}
	}
	return nil
}
