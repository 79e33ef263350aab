package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/loykin/procevents/internal/engine"
)

// Process is one adapter session driving one inferior.
type Process struct {
	t       *Target
	c       *client
	hub     *engine.Hub
	log     *slog.Logger
	timeout time.Duration

	initialized chan struct{}
	initOnce    sync.Once

	// emitMu orders publications so a synthetic running state never
	// overtakes the stop that follows it.
	emitMu sync.Mutex

	mu         sync.Mutex
	pid        int
	state      engine.State
	exitStatus int
	exitDesc   string
	exitSeen   bool
	running    bool
	resuming   bool
	stopThread int
	stopReason string
	killed     bool

	killOnce sync.Once
	killErr  error
}

func launch(ctx context.Context, t *Target, opts engine.LaunchOptions) (*Process, error) {
	cfg := t.eng.cfg
	log := t.eng.log.With("executable", t.exe)
	conn, err := connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if conn.log == nil {
		conn.log = log
	}
	p := &Process{
		t:           t,
		hub:         engine.NewHub(cfg.EventDepth),
		log:         log,
		timeout:     cfg.RequestTimeout,
		initialized: make(chan struct{}),
		state:       engine.StateInvalid,
	}
	p.c = newClient(conn, log, p.onEvent)
	go p.watch()

	if err := p.start(ctx, opts); err != nil {
		p.abort()
		return nil, err
	}
	return p, nil
}

func (p *Process) start(ctx context.Context, opts engine.LaunchOptions) error {
	cfg := p.t.eng.cfg
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.c.send(rctx, &dap.InitializeRequest{
		Request: request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "procevents",
			ClientName:      "procevents",
			AdapterID:       cfg.AdapterID,
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	})
	if err != nil {
		return err
	}

	args, err := launchArguments(p.t, opts, cfg.LaunchArgs)
	if err != nil {
		return err
	}
	// Adapters answer launch only after configurationDone, so it runs
	// concurrently with breakpoint configuration.
	launched := make(chan error, 1)
	go func() {
		_, err := p.c.send(rctx, &dap.LaunchRequest{Request: request("launch"), Arguments: args})
		launched <- err
	}()

	select {
	case <-p.initialized:
	case err := <-launched:
		if err != nil {
			return err
		}
		launched = nil
		if err := p.waitInitialized(rctx); err != nil {
			return err
		}
	case <-p.c.Done():
		return p.streamErr("launch")
	case <-rctx.Done():
		return fmt.Errorf("waiting for initialized event: %w", rctx.Err())
	}

	p.configureBreakpoints(rctx)

	if _, err := p.c.send(rctx, &dap.ConfigurationDoneRequest{Request: request("configurationDone")}); err != nil {
		return err
	}
	if launched != nil {
		select {
		case err := <-launched:
			if err != nil {
				return err
			}
		case <-rctx.Done():
			return fmt.Errorf("waiting for launch response: %w", rctx.Err())
		}
	}
	p.log.Debug("adapter session configured", "pid", p.PID())
	return nil
}

func (p *Process) waitInitialized(ctx context.Context) error {
	select {
	case <-p.initialized:
		return nil
	case <-p.c.Done():
		return p.streamErr("launch")
	case <-ctx.Done():
		return fmt.Errorf("waiting for initialized event: %w", ctx.Err())
	}
}

func (p *Process) streamErr(op string) error {
	if err := p.c.Err(); err != nil && !IsClosed(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransportClosed, err)
	}
	return fmt.Errorf("%s: %w", op, ErrTransportClosed)
}

// abort tears down a session whose launch did not complete.
func (p *Process) abort() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = p.c.send(ctx, &dap.DisconnectRequest{
		Request:   request("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: true},
	})
	if err := p.c.Close(); err != nil {
		p.log.Debug("adapter close failed", "error", err)
	}
	p.hub.Close()
}

func launchArguments(t *Target, opts engine.LaunchOptions, extra map[string]any) (json.RawMessage, error) {
	args := map[string]any{
		"program":     t.exe,
		"stopOnEntry": opts.StopAtEntry,
	}
	if len(opts.Args) > 0 {
		args["args"] = opts.Args
	}
	if opts.WorkDir != "" {
		args["cwd"] = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		env := make(map[string]string, len(opts.Env))
		for _, kv := range opts.Env {
			k, v, _ := strings.Cut(kv, "=")
			env[k] = v
		}
		args["env"] = env
	}
	if t.arch != "" {
		args["targetTriple"] = t.arch
	}
	for k, v := range extra {
		args[k] = v
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal launch arguments: %w", err)
	}
	return raw, nil
}

// configureBreakpoints sends the target's breakpoints and records how many
// of each the adapter verified. A request the adapter rejects leaves its
// breakpoints pending.
func (p *Process) configureBreakpoints(ctx context.Context) {
	bps := p.t.Breakpoints()
	if len(bps) == 0 {
		return
	}
	var (
		names   []engine.Breakpoint
		addrs   []engine.Breakpoint
		byFile  = map[string][]engine.Breakpoint{}
		located = map[int]int{}
	)
	for _, bp := range bps {
		switch bp.Kind {
		case engine.BreakpointName:
			names = append(names, bp)
		case engine.BreakpointFileLine:
			byFile[bp.File] = append(byFile[bp.File], bp)
		case engine.BreakpointAddress:
			addrs = append(addrs, bp)
		}
	}

	if len(names) > 0 {
		fbs := make([]dap.FunctionBreakpoint, len(names))
		for i, bp := range names {
			fbs[i] = dap.FunctionBreakpoint{Name: bp.Name}
		}
		resp, err := p.c.send(ctx, &dap.SetFunctionBreakpointsRequest{
			Request:   request("setFunctionBreakpoints"),
			Arguments: dap.SetFunctionBreakpointsArguments{Breakpoints: fbs},
		})
		if r, ok := resp.(*dap.SetFunctionBreakpointsResponse); ok && err == nil {
			verify(names, r.Body.Breakpoints, located)
		} else {
			p.log.Warn("function breakpoints not set", "error", err)
		}
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, file := range files {
		group := byFile[file]
		sbs := make([]dap.SourceBreakpoint, len(group))
		for i, bp := range group {
			sbs[i] = dap.SourceBreakpoint{Line: bp.Line}
		}
		resp, err := p.c.send(ctx, &dap.SetBreakpointsRequest{
			Request: request("setBreakpoints"),
			Arguments: dap.SetBreakpointsArguments{
				Source:      dap.Source{Path: file},
				Breakpoints: sbs,
			},
		})
		if r, ok := resp.(*dap.SetBreakpointsResponse); ok && err == nil {
			verify(group, r.Body.Breakpoints, located)
		} else {
			p.log.Warn("source breakpoints not set", "file", file, "error", err)
		}
	}

	if len(addrs) > 0 {
		ibs := make([]dap.InstructionBreakpoint, len(addrs))
		for i, bp := range addrs {
			ibs[i] = dap.InstructionBreakpoint{InstructionReference: fmt.Sprintf("0x%x", bp.Address)}
		}
		resp, err := p.c.send(ctx, &dap.SetInstructionBreakpointsRequest{
			Request:   request("setInstructionBreakpoints"),
			Arguments: dap.SetInstructionBreakpointsArguments{Breakpoints: ibs},
		})
		if r, ok := resp.(*dap.SetInstructionBreakpointsResponse); ok && err == nil {
			verify(addrs, r.Body.Breakpoints, located)
		} else {
			p.log.Warn("instruction breakpoints not set", "error", err)
		}
	}

	for _, bp := range bps {
		if n, ok := located[bp.ID]; ok && n == 0 {
			p.log.Warn("breakpoint not verified by adapter", "id", bp.ID, "spec", bp.Spec)
		}
	}
	p.t.resolved(located)
}

// verify matches adapter breakpoints to ours by position.
func verify(ours []engine.Breakpoint, theirs []dap.Breakpoint, located map[int]int) {
	for i, bp := range ours {
		if i < len(theirs) && theirs[i].Verified {
			located[bp.ID] = 1
		} else {
			located[bp.ID] = 0
		}
	}
}

// onEvent runs on the client read goroutine.
func (p *Process) onEvent(m dap.EventMessage) {
	switch e := m.(type) {
	case *dap.InitializedEvent:
		p.transition(engine.StateConnected, "")
		p.initOnce.Do(func() { close(p.initialized) })
	case *dap.ProcessEvent:
		p.mu.Lock()
		if e.Body.SystemProcessId > 0 {
			p.pid = e.Body.SystemProcessId
		}
		p.mu.Unlock()
		if e.Body.StartMethod == "attach" {
			p.transition(engine.StateAttaching, "")
		} else {
			p.transition(engine.StateLaunching, "")
		}
	case *dap.StoppedEvent:
		p.mu.Lock()
		p.stopThread = e.Body.ThreadId
		p.stopReason = stopReason(e.Body)
		p.mu.Unlock()
		if e.Body.Reason == "exception" {
			p.transition(engine.StateCrashed, p.stopReasonText())
		} else {
			p.transition(engine.StateStopped, p.stopReasonText())
		}
	case *dap.ContinuedEvent:
		p.transition(engine.StateRunning, "")
	case *dap.ExitedEvent:
		p.mu.Lock()
		p.exitSeen = true
		p.exitStatus = e.Body.ExitCode
		p.mu.Unlock()
		p.transition(engine.StateExited, "")
	case *dap.TerminatedEvent:
		p.mu.Lock()
		seen := p.exitSeen
		p.mu.Unlock()
		if !seen {
			p.transition(engine.StateDetached, "terminated")
		}
	case *dap.OutputEvent:
		if e.Body.Category == "telemetry" {
			return
		}
		p.emitMu.Lock()
		p.hub.Publish(engine.Event{Kind: engine.EventOutput, Text: e.Body.Output, At: time.Now()})
		p.emitMu.Unlock()
	case *dap.BreakpointEvent:
		p.log.Debug("breakpoint changed", "reason", e.Body.Reason, "id", e.Body.Breakpoint.Id, "verified", e.Body.Breakpoint.Verified)
	default:
		p.log.Debug("ignored DAP event", "event", m.GetEvent().Event)
	}
}

func stopReason(b dap.StoppedEventBody) string {
	switch {
	case b.Description != "":
		return b.Description
	case b.Text != "":
		return b.Reason + " " + b.Text
	default:
		return b.Reason
	}
}

func (p *Process) stopReasonText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopReason
}

// transition records s and publishes it. Once a terminal state has been
// recorded nothing else is published. Running is published once per resume
// whether it came from a continued event or a continue response.
func (p *Process) transition(s engine.State, reason string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	var before []engine.State
	switch s {
	case engine.StateRunning:
		p.resuming = false
		if p.running {
			p.mu.Unlock()
			return
		}
		p.running = true
	case engine.StateStopped, engine.StateCrashed, engine.StateExited, engine.StateDetached, engine.StateUnloaded:
		if p.resuming && !p.running {
			before = append(before, engine.StateRunning)
		}
		p.resuming = false
		p.running = false
	}
	p.state = s
	p.mu.Unlock()

	now := time.Now()
	for _, b := range before {
		p.hub.Publish(engine.Event{Kind: engine.EventStateChanged, State: b, At: now})
	}
	p.hub.Publish(engine.Event{Kind: engine.EventStateChanged, State: s, Reason: reason, At: now})
}

// watch reports an adapter that went away before the inferior ended.
func (p *Process) watch() {
	<-p.c.Done()
	p.mu.Lock()
	lost := !p.killed && !p.state.Terminal()
	p.mu.Unlock()
	if lost {
		p.log.Warn("debug adapter connection lost", "error", p.c.Err())
		p.transition(engine.StateUnloaded, "adapter connection lost")
	}
	p.hub.Close()
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) State() engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) Broadcaster() engine.Broadcaster { return p.hub }

func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

func (p *Process) ExitDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitDesc
}

// Continue resumes every thread of a stopped inferior.
func (p *Process) Continue(ctx context.Context) error {
	p.mu.Lock()
	if p.killed || p.state.Terminal() {
		p.mu.Unlock()
		return fmt.Errorf("continue: %w", engine.ErrProcessGone)
	}
	tid := p.stopThread
	p.resuming = true
	p.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.c.send(rctx, &dap.ContinueRequest{
		Request:   request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: tid},
	})
	if err != nil {
		p.mu.Lock()
		p.resuming = false
		p.mu.Unlock()
		if IsClosed(err) {
			return fmt.Errorf("%w: %w", engine.ErrProcessGone, err)
		}
		return err
	}

	p.resumed()
	return nil
}

// resumed publishes Running for an acknowledged continue unless an event
// already accounted for the resume.
func (p *Process) resumed() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.mu.Lock()
	pending := p.resuming && !p.running && !p.state.Terminal()
	p.resuming = false
	if pending {
		p.running = true
		p.state = engine.StateRunning
	}
	p.mu.Unlock()
	if pending {
		p.hub.Publish(engine.Event{Kind: engine.EventStateChanged, State: engine.StateRunning, At: time.Now()})
	}
}

// Threads lists the inferior threads with their innermost frame.
func (p *Process) Threads(ctx context.Context) ([]engine.Thread, error) {
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.c.send(rctx, &dap.ThreadsRequest{Request: request("threads")})
	if err != nil {
		return nil, err
	}
	tr, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("threads: unexpected response type %T", resp)
	}

	p.mu.Lock()
	stopTID, reason := p.stopThread, p.stopReason
	p.mu.Unlock()

	threads := make([]engine.Thread, 0, len(tr.Body.Threads))
	for i, th := range tr.Body.Threads {
		t := engine.Thread{Index: i + 1, ID: th.Id, Name: th.Name}
		if th.Id == stopTID {
			t.StopReason = reason
		}
		t.Frame = p.topFrame(rctx, th.Id)
		threads = append(threads, t)
	}
	return threads, nil
}

func (p *Process) topFrame(ctx context.Context, tid int) string {
	resp, err := p.c.send(ctx, &dap.StackTraceRequest{
		Request:   request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: tid, Levels: 1},
	})
	if err != nil {
		p.log.Debug("stack trace failed", "thread", tid, "error", err)
		return ""
	}
	st, ok := resp.(*dap.StackTraceResponse)
	if !ok || len(st.Body.StackFrames) == 0 {
		return ""
	}
	return formatFrame(st.Body.StackFrames[0])
}

func formatFrame(f dap.StackFrame) string {
	s := f.Name
	if f.InstructionPointerReference != "" {
		s = f.InstructionPointerReference + " " + s
	}
	if f.Source != nil && f.Line > 0 {
		file := f.Source.Name
		if file == "" {
			file = f.Source.Path
		}
		if file != "" {
			s += fmt.Sprintf(" at %s:%d", file, f.Line)
		}
	}
	return s
}

// evaluate runs expr in the adapter's repl context. command is the text
// the operator supplied and is echoed in the result.
func (p *Process) evaluate(ctx context.Context, expr, command string) engine.CommandResult {
	res := engine.CommandResult{Command: command}
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var frameID int
	if p.State() == engine.StateStopped {
		frameID = p.topFrameID(rctx)
	}
	resp, err := p.c.send(rctx, &dap.EvaluateRequest{
		Request:   request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: expr, FrameId: frameID, Context: "repl"},
	})
	if err != nil {
		if errors.Is(err, ErrRequestFailed) && resp != nil {
			res.Error = responseMessage(resp)
		} else {
			res.Error = err.Error()
		}
		return res
	}
	er, ok := resp.(*dap.EvaluateResponse)
	if !ok {
		res.Error = fmt.Sprintf("unexpected response type %T", resp)
		return res
	}
	res.Succeeded = true
	res.Output = strings.TrimRight(er.Body.Result, "\n")
	return res
}

func (p *Process) topFrameID(ctx context.Context) int {
	p.mu.Lock()
	tid := p.stopThread
	p.mu.Unlock()
	if tid == 0 {
		return 0
	}
	resp, err := p.c.send(ctx, &dap.StackTraceRequest{
		Request:   request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: tid, Levels: 1},
	})
	if st, ok := resp.(*dap.StackTraceResponse); ok && err == nil && len(st.Body.StackFrames) > 0 {
		return st.Body.StackFrames[0].Id
	}
	return 0
}

// Kill disconnects with terminateDebuggee, force kills a survivor when
// configured and closes the adapter session. Only the first call acts.
func (p *Process) Kill(ctx context.Context) error {
	p.killOnce.Do(func() { p.killErr = p.kill(ctx) })
	return p.killErr
}

func (p *Process) kill(ctx context.Context) error {
	p.mu.Lock()
	terminal := p.state.Terminal()
	pid := p.pid
	p.killed = true
	p.mu.Unlock()

	var errs []error
	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.c.send(rctx, &dap.DisconnectRequest{
		Request:   request("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: true},
	})
	if err != nil && !terminal && !IsClosed(err) {
		errs = append(errs, err)
	}

	if !terminal {
		if p.t.eng.cfg.ForceKill && pid > 0 {
			if err := forceKill(rctx, pid); err != nil {
				errs = append(errs, err)
			}
		}
		p.mu.Lock()
		if !p.state.Terminal() {
			p.state = engine.StateExited
			p.exitStatus = -1
			p.exitDesc = "killed"
		}
		p.mu.Unlock()
	}

	if err := p.c.Close(); err != nil && !IsClosed(err) {
		p.log.Debug("adapter close failed", "error", err)
	}
	p.hub.Close()
	p.log.Debug("adapter session closed", "pid", pid, "was_terminal", terminal)
	return errors.Join(errs...)
}
