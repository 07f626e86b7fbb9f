// ABOUTME: Child process handling for providers: spawn with stdio pipes, stderr capture, and teardown.
// ABOUTME: Each process is wrapped in a protocol connection that fails pending calls when it exits.

package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/2389/toolgate/internal/protocol"
	"github.com/2389/toolgate/internal/registry"
	"github.com/2389/toolgate/internal/toolerr"
)

// LaunchSpec describes how to start a provider process.
type LaunchSpec struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"-"`

	// Tools are published for the provider alongside the ones it lists.
	Tools []registry.ToolDescriptor `json:"-"`
}

// process is one running child and its connection.
type process struct {
	cmd    *exec.Cmd
	conn   *protocol.Conn
	exited chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// stdioConn joins the child's stdin and stdout into one stream.
type stdioConn struct {
	io.Reader
	io.WriteCloser
	readCloser io.Closer
}

func (c *stdioConn) Close() error {
	return errors.Join(c.WriteCloser.Close(), c.readCloser.Close())
}

// spawn starts the child and wires its stdio into a protocol connection.
func (s *Supervisor) spawn(id string, spec LaunchSpec, opts protocol.Options) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stderr = &lineLogger{logger: s.logger.With("provider_id", id)}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// stdout uses an explicit pipe so Wait never closes it under the reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	s.spawns.Add(1)
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}
	_ = stdoutW.Close()
	s.live.Add(1)

	proc := &process{
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	proc.conn = protocol.NewConn(&stdioConn{Reader: stdoutR, WriteCloser: stdin, readCloser: stdoutR}, opts)

	go func() {
		err := cmd.Wait()
		s.live.Add(-1)
		proc.mu.Lock()
		proc.exitErr = err
		proc.mu.Unlock()
		close(proc.exited)

		detail := "provider process exited"
		if err != nil {
			detail = fmt.Sprintf("provider process exited: %v", err)
		}
		proc.conn.CloseWithError(toolerr.New(toolerr.ErrProviderCrashed, "", id, detail))
	}()

	return proc, nil
}

// terminate stops the child. With a positive grace period the child first
// gets its stdin closed and a chance to exit on its own.
func (p *process) terminate(grace time.Duration, reason error) {
	p.conn.CloseWithError(reason)

	if grace > 0 {
		select {
		case <-p.exited:
			return
		case <-time.After(grace):
		}
	}

	select {
	case <-p.exited:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// lineLogger forwards a child's stderr to slog one line at a time.
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(l.buf[:i], "\r"); len(line) > 0 {
			l.logger.Info("provider stderr", "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 64<<10 {
		l.logger.Info("provider stderr", "line", string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
