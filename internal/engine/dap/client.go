package dap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/go-dap"
)

// client correlates requests with responses and hands events to onEvent.
// onEvent runs on the read goroutine in arrival order.
type client struct {
	transport Transport
	log       *slog.Logger
	onEvent   func(dap.EventMessage)

	seqMu sync.Mutex
	seq   int

	pendingMu sync.Mutex
	pending   map[int]chan dap.ResponseMessage

	done    chan struct{}
	readErr error
}

func newClient(t Transport, log *slog.Logger, onEvent func(dap.EventMessage)) *client {
	c := &client{
		transport: t,
		log:       log,
		onEvent:   onEvent,
		pending:   make(map[int]chan dap.ResponseMessage),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *client) readLoop() {
	var err error
	defer func() {
		c.pendingMu.Lock()
		c.readErr = err
		for seq, ch := range c.pending {
			close(ch)
			delete(c.pending, seq)
		}
		c.pendingMu.Unlock()
		close(c.done)
	}()

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(readErr, &fieldErr) {
				// unknown command or event; the stream is still framed
				c.log.Debug("skipping undecodable DAP message", "error", readErr)
				continue
			}
			err = readErr
			return
		}
		switch m := msg.(type) {
		case dap.ResponseMessage:
			seq := m.GetResponse().RequestSeq
			c.pendingMu.Lock()
			ch, ok := c.pending[seq]
			delete(c.pending, seq)
			c.pendingMu.Unlock()
			if ok {
				ch <- m
			} else {
				c.log.Debug("unsolicited DAP response", "request_seq", seq)
			}
		case dap.EventMessage:
			c.onEvent(m)
		case dap.RequestMessage:
			c.rejectReverseRequest(m)
		}
	}
}

// rejectReverseRequest answers adapter-initiated requests (runInTerminal,
// startDebugging) with an error response.
func (c *client) rejectReverseRequest(m dap.RequestMessage) {
	req := m.GetRequest()
	c.log.Debug("rejecting reverse request", "command", req.Command)
	resp := &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         false,
			Message:         "unsupported",
		},
	}
	if err := c.transport.WriteMessage(resp); err != nil {
		c.log.Debug("reverse request reply failed", "error", err)
	}
}

func (c *client) nextSeq() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Done is closed when the adapter stream ends.
func (c *client) Done() <-chan struct{} { return c.done }

// Err returns why the stream ended, once Done is closed.
func (c *client) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.readErr
}

// send issues req and waits for its response. A response with
// success=false is returned together with an error wrapping ErrRequestFailed.
func (c *client) send(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	r := req.GetRequest()
	r.Type = "request"
	r.Seq = c.nextSeq()

	ch := make(chan dap.ResponseMessage, 1)
	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%s: %w", r.Command, ErrTransportClosed)
	default:
	}
	c.pending[r.Seq] = ch
	c.pendingMu.Unlock()

	if err := c.transport.WriteMessage(req); err != nil {
		c.forget(r.Seq)
		return nil, fmt.Errorf("%s: %w", r.Command, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", r.Command, ErrTransportClosed)
		}
		if base := resp.GetResponse(); !base.Success {
			return resp, fmt.Errorf("%s: %w: %s", r.Command, ErrRequestFailed, responseMessage(resp))
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(r.Seq)
		return nil, ctx.Err()
	}
}

func (c *client) forget(seq int) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

func (c *client) Close() error {
	err := c.transport.Close()
	<-c.done
	return err
}

func responseMessage(resp dap.ResponseMessage) string {
	if er, ok := resp.(*dap.ErrorResponse); ok && er.Body.Error != nil && er.Body.Error.Format != "" {
		return er.Body.Error.Format
	}
	if msg := resp.GetResponse().Message; msg != "" {
		return msg
	}
	return "unknown error"
}

func request(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}
