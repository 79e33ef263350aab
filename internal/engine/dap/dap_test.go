package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procevents/internal/engine"
)

// fakeAdapter speaks just enough DAP to drive a Process. Events queued in
// afterContinue[i] are sent after the i-th continue response.
type fakeAdapter struct {
	conn net.Conn
	r    *bufio.Reader

	pid           int
	launchError   string
	unverified    map[string]bool
	afterContinue [][]dap.Message

	writeMu sync.Mutex

	mu         sync.Mutex
	commands   []string
	evaluated  []dap.EvaluateArguments
	disconnect *dap.DisconnectArguments
	pending    *dap.LaunchRequest
	continues  int
}

func newFakeAdapter(t *testing.T) (*fakeAdapter, Config) {
	t.Helper()
	server, clientSide := net.Pipe()
	a := &fakeAdapter{conn: server, r: bufio.NewReader(server), pid: 4321}
	t.Cleanup(func() { _ = server.Close() })
	cfg := Config{
		CommandPrefix:  DefaultCommandPrefix,
		RequestTimeout: 2 * time.Second,
		Connect: func(context.Context) (Transport, error) {
			go a.serve()
			return NewConnTransport(clientSide), nil
		},
	}
	return a, cfg
}

func (a *fakeAdapter) serve() {
	for {
		msg, err := dap.ReadProtocolMessage(a.r)
		if err != nil {
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			continue
		}
		a.mu.Lock()
		a.commands = append(a.commands, req.GetRequest().Command)
		a.mu.Unlock()
		a.handle(msg)
	}
}

func (a *fakeAdapter) write(m dap.Message) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = dap.WriteProtocolMessage(a.conn, m)
}

func ok(r *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      r.Seq,
		Command:         r.Command,
		Success:         true,
	}
}

func fail(r *dap.Request, format string) *dap.ErrorResponse {
	resp := ok(r)
	resp.Success = false
	return &dap.ErrorResponse{Response: resp, Body: dap.ErrorResponseBody{Error: &dap.ErrorMessage{Format: format}}}
}

func ev(name string) dap.Event {
	return dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: name}
}

func stoppedEvent(reason, desc string, tid int) *dap.StoppedEvent {
	return &dap.StoppedEvent{Event: ev("stopped"), Body: dap.StoppedEventBody{Reason: reason, Description: desc, ThreadId: tid}}
}

func exitedEvent(code int) *dap.ExitedEvent {
	return &dap.ExitedEvent{Event: ev("exited"), Body: dap.ExitedEventBody{ExitCode: code}}
}

func (a *fakeAdapter) verified(n int, name func(i int) string) []dap.Breakpoint {
	out := make([]dap.Breakpoint, n)
	for i := range out {
		out[i] = dap.Breakpoint{Id: i + 1, Verified: !a.unverified[name(i)]}
	}
	return out
}

func (a *fakeAdapter) handle(msg dap.Message) {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		a.write(&dap.InitializeResponse{Response: ok(&req.Request)})
	case *dap.LaunchRequest:
		if a.launchError != "" {
			a.write(fail(&req.Request, a.launchError))
			return
		}
		a.mu.Lock()
		a.pending = req
		a.mu.Unlock()
		a.write(&dap.ProcessEvent{Event: ev("process"), Body: dap.ProcessEventBody{Name: "prog", SystemProcessId: a.pid, StartMethod: "launch"}})
		a.write(&dap.InitializedEvent{Event: ev("initialized")})
	case *dap.SetFunctionBreakpointsRequest:
		bps := req.Arguments.Breakpoints
		a.write(&dap.SetFunctionBreakpointsResponse{
			Response: ok(&req.Request),
			Body:     dap.SetFunctionBreakpointsResponseBody{Breakpoints: a.verified(len(bps), func(i int) string { return bps[i].Name })},
		})
	case *dap.SetBreakpointsRequest:
		bps := req.Arguments.Breakpoints
		a.write(&dap.SetBreakpointsResponse{
			Response: ok(&req.Request),
			Body:     dap.SetBreakpointsResponseBody{Breakpoints: a.verified(len(bps), func(int) string { return req.Arguments.Source.Path })},
		})
	case *dap.SetInstructionBreakpointsRequest:
		bps := req.Arguments.Breakpoints
		a.write(&dap.SetInstructionBreakpointsResponse{
			Response: ok(&req.Request),
			Body:     dap.SetInstructionBreakpointsResponseBody{Breakpoints: a.verified(len(bps), func(i int) string { return bps[i].InstructionReference })},
		})
	case *dap.ConfigurationDoneRequest:
		a.write(&dap.ConfigurationDoneResponse{Response: ok(&req.Request)})
		a.mu.Lock()
		launch := a.pending
		a.mu.Unlock()
		a.write(&dap.LaunchResponse{Response: ok(&launch.Request)})
		a.write(stoppedEvent("entry", "", 1))
	case *dap.ContinueRequest:
		a.write(&dap.ContinueResponse{Response: ok(&req.Request), Body: dap.ContinueResponseBody{AllThreadsContinued: true}})
		a.mu.Lock()
		var events []dap.Message
		if a.continues < len(a.afterContinue) {
			events = a.afterContinue[a.continues]
		}
		a.continues++
		a.mu.Unlock()
		for _, e := range events {
			a.write(e)
		}
	case *dap.ThreadsRequest:
		a.write(&dap.ThreadsResponse{
			Response: ok(&req.Request),
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "main"}, {Id: 2, Name: "worker"}}},
		})
	case *dap.StackTraceRequest:
		tid := req.Arguments.ThreadId
		a.write(&dap.StackTraceResponse{
			Response: ok(&req.Request),
			Body: dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{{
				Id:     100 + tid,
				Name:   "main",
				Source: &dap.Source{Name: "main.c", Path: "/src/main.c"},
				Line:   3,
			}}},
		})
	case *dap.EvaluateRequest:
		a.mu.Lock()
		a.evaluated = append(a.evaluated, req.Arguments)
		a.mu.Unlock()
		if req.Arguments.Expression == "`bogus" {
			a.write(fail(&req.Request, "'bogus' is not a valid command."))
			return
		}
		a.write(&dap.EvaluateResponse{Response: ok(&req.Request), Body: dap.EvaluateResponseBody{Result: "ran " + req.Arguments.Expression + "\n"}})
	case *dap.DisconnectRequest:
		a.mu.Lock()
		a.disconnect = req.Arguments
		a.mu.Unlock()
		a.write(&dap.DisconnectResponse{Response: ok(&req.Request)})
		_ = a.conn.Close()
	}
}

func (a *fakeAdapter) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

func (a *fakeAdapter) closeStream() { _ = a.conn.Close() }

func next(t *testing.T, sub engine.Subscription) engine.Event {
	t.Helper()
	select {
	case e, open := <-sub.Events():
		require.True(t, open, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	return engine.Event{}
}

func states(t *testing.T, sub engine.Subscription, n int) []engine.State {
	t.Helper()
	out := make([]engine.State, 0, n)
	for len(out) < n {
		out = append(out, next(t, sub).State)
	}
	return out
}

func launchTarget(t *testing.T, cfg Config, bps ...string) (*Target, *Process) {
	t.Helper()
	ctx := context.Background()
	tgt, err := New(cfg, nil).CreateTarget(ctx, "/bin/prog", "x86_64")
	require.NoError(t, err)
	for _, spec := range bps {
		_, err := tgt.SetBreakpoint(ctx, spec)
		require.NoError(t, err)
	}
	p, err := tgt.Launch(ctx, engine.LaunchOptions{StopAtEntry: true})
	require.NoError(t, err)
	return tgt.(*Target), p.(*Process)
}

func TestLaunchConfiguresAndStopsAtEntry(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	a.unverified = map[string]bool{"missing": true}
	tgt, p := launchTarget(t, cfg, "main", "main.c:12", "0x1000", "missing")
	defer func() { _ = p.Kill(context.Background()) }()

	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	assert.Equal(t, []engine.State{engine.StateLaunching, engine.StateConnected, engine.StateStopped}, states(t, sub, 3))
	assert.Equal(t, 4321, p.PID())
	assert.Equal(t, engine.StateStopped, p.State())

	assert.Equal(t, []string{
		"initialize", "launch", "setFunctionBreakpoints", "setBreakpoints",
		"setInstructionBreakpoints", "configurationDone",
	}, a.Commands())

	locs := map[string]int{}
	for _, bp := range tgt.Breakpoints() {
		locs[bp.Spec] = bp.Locations
	}
	assert.Equal(t, map[string]int{"main": 1, "main.c:12": 1, "0x1000": 1, "missing": 0}, locs)

	a.mu.Lock()
	var args map[string]any
	require.NoError(t, json.Unmarshal(a.pending.Arguments, &args))
	a.mu.Unlock()
	assert.Equal(t, "/bin/prog", args["program"])
	assert.Equal(t, true, args["stopOnEntry"])
	assert.Equal(t, "x86_64", args["targetTriple"])
}

func TestContinueStopsAndExits(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	a.afterContinue = [][]dap.Message{
		{stoppedEvent("breakpoint", "breakpoint 1.1", 2)},
		{&dap.ContinuedEvent{Event: ev("continued"), Body: dap.ContinuedEventBody{AllThreadsContinued: true}}, exitedEvent(3), &dap.TerminatedEvent{Event: ev("terminated")}},
	}
	_, p := launchTarget(t, cfg, "main")
	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)
	ctx := context.Background()

	require.NoError(t, p.Continue(ctx))
	assert.Equal(t, engine.StateRunning, next(t, sub).State)
	stop := next(t, sub)
	assert.Equal(t, engine.StateStopped, stop.State)
	assert.Equal(t, "breakpoint 1.1", stop.Reason)

	threads, err := p.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, engine.Thread{Index: 1, ID: 1, Name: "main", Frame: "main at main.c:3"}, threads[0])
	assert.Equal(t, "breakpoint 1.1", threads[1].StopReason)

	require.NoError(t, p.Continue(ctx))
	assert.Equal(t, []engine.State{engine.StateRunning, engine.StateExited}, states(t, sub, 2))
	assert.Equal(t, 3, p.ExitStatus())
	assert.ErrorIs(t, p.Continue(ctx), engine.ErrProcessGone)

	require.NoError(t, p.Kill(ctx))
	assert.Equal(t, 3, p.ExitStatus(), "kill after exit keeps the status")
	assert.Empty(t, p.ExitDescription())
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestExceptionStopIsCrash(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	a.afterContinue = [][]dap.Message{{stoppedEvent("exception", "EXC_BAD_ACCESS (code=1, address=0x0)", 1)}}
	_, p := launchTarget(t, cfg)
	defer func() { _ = p.Kill(context.Background()) }()
	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)

	require.NoError(t, p.Continue(context.Background()))
	assert.Equal(t, engine.StateRunning, next(t, sub).State)
	crash := next(t, sub)
	assert.Equal(t, engine.StateCrashed, crash.State)
	assert.Contains(t, crash.Reason, "EXC_BAD_ACCESS")
}

func TestTerminatedWithoutExitIsDetached(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	a.afterContinue = [][]dap.Message{{&dap.TerminatedEvent{Event: ev("terminated")}}}
	_, p := launchTarget(t, cfg)
	defer func() { _ = p.Kill(context.Background()) }()
	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)

	require.NoError(t, p.Continue(context.Background()))
	assert.Equal(t, []engine.State{engine.StateRunning, engine.StateDetached}, states(t, sub, 2))
}

func TestAdapterEOFUnloads(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	_, p := launchTarget(t, cfg)
	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)

	a.closeStream()
	assert.Equal(t, engine.StateUnloaded, next(t, sub).State)
	_, open := <-sub.Events()
	assert.False(t, open, "hub closes with the stream")
	assert.ErrorIs(t, p.Continue(context.Background()), engine.ErrProcessGone)
	assert.NoError(t, p.Kill(context.Background()))
}

func TestKillRunningDisconnects(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	_, p := launchTarget(t, cfg)
	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)
	require.NoError(t, p.Continue(context.Background()))
	assert.Equal(t, engine.StateRunning, next(t, sub).State)

	require.NoError(t, p.Kill(context.Background()))
	require.NoError(t, p.Kill(context.Background()))
	a.mu.Lock()
	disc := a.disconnect
	a.mu.Unlock()
	require.NotNil(t, disc)
	assert.True(t, disc.TerminateDebuggee)
	assert.Equal(t, engine.StateExited, p.State())
	assert.Equal(t, -1, p.ExitStatus())
	assert.Equal(t, "killed", p.ExitDescription())
}

func TestInterpreterEvaluatesInRepl(t *testing.T) {
	_, cfg := newFakeAdapter(t)
	ctx := context.Background()
	tgt, err := New(cfg, nil).CreateTarget(ctx, "/bin/prog", "")
	require.NoError(t, err)

	res := tgt.Interpreter().HandleCommand(ctx, "bt")
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.String(), engine.ErrNoSession.Error())

	proc, err := tgt.Launch(ctx, engine.LaunchOptions{})
	require.NoError(t, err)
	defer func() { _ = proc.Kill(ctx) }()
	sub := proc.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)

	res = tgt.Interpreter().HandleCommand(ctx, "bt")
	assert.True(t, res.Succeeded)
	assert.Equal(t, "ran `bt", res.Output)
	assert.Equal(t, "bt", res.Command)

	res = tgt.Interpreter().HandleCommand(ctx, "bogus")
	assert.False(t, res.Succeeded)
	assert.Equal(t, "error: 'bogus' is not a valid command.", res.String())
}

func TestEvaluateUsesStoppedFrame(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	tgt, p := launchTarget(t, cfg)
	defer func() { _ = p.Kill(context.Background()) }()
	sub := p.Broadcaster().Subscribe(engine.EventStateChanged)
	defer sub.Close()
	states(t, sub, 3)

	tgt.Interpreter().HandleCommand(context.Background(), "frame variable")
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.evaluated, 1)
	assert.Equal(t, "repl", a.evaluated[0].Context)
	assert.Equal(t, 101, a.evaluated[0].FrameId)
}

func TestLaunchFailure(t *testing.T) {
	a, cfg := newFakeAdapter(t)
	a.launchError = "the program does not exist"
	tgt, err := New(cfg, nil).CreateTarget(context.Background(), "/bin/missing", "")
	require.NoError(t, err)

	_, err = tgt.Launch(context.Background(), engine.LaunchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "the program does not exist")
}

func TestConnectFailure(t *testing.T) {
	cfg := Config{Connect: func(context.Context) (Transport, error) { return nil, errors.New("refused") }}
	tgt, err := New(cfg, nil).CreateTarget(context.Background(), "/bin/prog", "")
	require.NoError(t, err)
	_, err = tgt.Launch(context.Background(), engine.LaunchOptions{})
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestSpawnMissingAdapter(t *testing.T) {
	_, err := spawn([]string{"procevents-no-such-adapter"}, nil)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = spawn(nil, nil)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestCreateTargetRejectsArch(t *testing.T) {
	_, err := New(Config{}, nil).CreateTarget(context.Background(), "/bin/prog", "vax")
	assert.ErrorIs(t, err, engine.ErrUnsupportedArch)
}

func TestClosedTargetRefusesLaunch(t *testing.T) {
	_, cfg := newFakeAdapter(t)
	tgt, err := New(cfg, nil).CreateTarget(context.Background(), "/bin/prog", "")
	require.NoError(t, err)
	require.NoError(t, tgt.Close())
	_, err = tgt.Launch(context.Background(), engine.LaunchOptions{})
	assert.ErrorIs(t, err, engine.ErrNoSession)
}

func TestLaunchArguments(t *testing.T) {
	tgt := &Target{exe: "/bin/prog", arch: "arm64-apple-macosx"}
	raw, err := launchArguments(tgt, engine.LaunchOptions{
		Args:    []string{"-v", "in.txt"},
		Env:     []string{"A=1", "B=x=y"},
		WorkDir: "/tmp",
	}, map[string]any{"mode": "exec", "stopOnEntry": true})
	require.NoError(t, err)

	var args map[string]any
	require.NoError(t, json.Unmarshal(raw, &args))
	assert.Equal(t, []any{"-v", "in.txt"}, args["args"])
	assert.Equal(t, map[string]any{"A": "1", "B": "x=y"}, args["env"])
	assert.Equal(t, "/tmp", args["cwd"])
	assert.Equal(t, "arm64-apple-macosx", args["targetTriple"])
	assert.Equal(t, "exec", args["mode"])
	assert.Equal(t, true, args["stopOnEntry"], "configured launch args win")
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()
	tr, err := DialTCP(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
	require.NoError(t, ln.Close())

	_, err = DialTCP(context.Background(), ln.Addr().String(), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestTransportClosed(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = b.Close() }()
	tr := NewConnTransport(a)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err := tr.ReadMessage()
	assert.True(t, IsClosed(err))
	assert.ErrorIs(t, tr.WriteMessage(&dap.ThreadsRequest{Request: request("threads")}), ErrTransportClosed)
}

func TestForceKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(path, "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.NoError(t, forceKill(context.Background(), pid))
	werr := cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, werr, &exitErr)
	assert.False(t, exitErr.Success())

	assert.NoError(t, forceKill(context.Background(), pid), "reaped pid is ignored")
}
