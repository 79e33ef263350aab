package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// adapterConn is one connection to a debug adapter plus the adapter
// process when it was spawned by us.
type adapterConn struct {
	Transport
	cmd *exec.Cmd
	log *slog.Logger
}

// Close closes the transport and reaps a spawned adapter, killing it when
// it does not exit on its own. The read loop must have finished.
func (a *adapterConn) Close() error {
	err := a.Transport.Close()
	if a.cmd == nil {
		return err
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- a.cmd.Wait() }()
	select {
	case werr := <-waitErr:
		a.logExit(werr)
	case <-time.After(2 * time.Second):
		_ = a.cmd.Process.Kill()
		a.logExit(<-waitErr)
	}
	return err
}

func (a *adapterConn) logExit(err error) {
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		a.log.Debug("debug adapter wait failed", "error", err)
		return
	}
	a.log.Debug("debug adapter exited", "pid", a.cmd.Process.Pid, "code", a.cmd.ProcessState.ExitCode())
}

// connect spawns or dials the adapter described by cfg.
func connect(ctx context.Context, cfg Config, log *slog.Logger) (*adapterConn, error) {
	if cfg.Connect != nil {
		t, err := cfg.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
		}
		return &adapterConn{Transport: t}, nil
	}
	if cfg.Addr != "" {
		t, err := DialTCP(ctx, cfg.Addr, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		log.Debug("connected to debug adapter", "addr", cfg.Addr)
		return &adapterConn{Transport: t}, nil
	}
	return spawn(cfg.Command, log)
}

func spawn(command []string, log *slog.Logger) (*adapterConn, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: no adapter command", ErrAdapterUnavailable)
	}
	path, err := exec.LookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	// not tied to a context: the adapter must outlive cancellation until Kill
	cmd := exec.Command(path, command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	log.Debug("launched debug adapter", "command", path, "args", command[1:], "pid", cmd.Process.Pid)
	go logStderr(stderr, log)
	return &adapterConn{Transport: NewStdioTransport(stdout, stdin), cmd: cmd, log: log}, nil
}

func logStderr(r io.Reader, log *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Debug("adapter stderr", "line", sc.Text())
	}
}
