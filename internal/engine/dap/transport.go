package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-dap"
)

// Transport carries DAP messages to and from one adapter.
// Reads happen on a single goroutine; writes may be concurrent.
type Transport interface {
	ReadMessage() (dap.Message, error)
	WriteMessage(msg dap.Message) error
	Close() error
}

// streamTransport frames DAP messages over any reader/writer pair.
type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewConnTransport creates a Transport backed by a network connection.
func NewConnTransport(conn net.Conn) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		closers: []io.Closer{conn},
	}
}

// NewStdioTransport creates a Transport over an adapter's stdout (r) and
// stdin (w).
func NewStdioTransport(r io.ReadCloser, w io.WriteCloser) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(r),
		writer:  bufio.NewWriter(w),
		closers: []io.Closer{w, r},
	}
}

// DialTCP connects to an adapter listening on address, retrying with
// exponential backoff until timeout elapses.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (Transport, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)
	var d net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		c, dialErr := d.DialContext(ctx, "tcp", address)
		if dialErr != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return c, dialErr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrAdapterUnavailable, address, err)
	}
	return NewConnTransport(conn), nil
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	msg, err := dap.ReadProtocolMessage(t.reader)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || t.isClosed() {
			return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return nil, fmt.Errorf("failed to read DAP message: %w", err)
	}
	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
