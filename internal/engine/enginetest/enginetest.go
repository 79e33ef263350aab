// Package enginetest provides a scripted engine.Engine for tests.
//
// A Script is a list of steps emitted by each launched process. Steps up to
// and including the first Stopped (or terminal) state are broadcast by
// Launch; every Continue broadcasts the next chunk. A script that runs out
// of steps without a terminal state models a hung inferior.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/procevents/internal/engine"
)

// Step is one scripted broadcast.
type Step struct {
	State       engine.State
	Reason      string
	ExitStatus  int
	Description string
	Output      string // emitted as an EventOutput before the state change
}

// Script is the ordered broadcast sequence for one launch.
type Script []Step

// Engine is a scripted engine. Scripts[i] drives the i-th launch; when
// launches outnumber scripts the last script is reused.
type Engine struct {
	Scripts []Script
	// LaunchErrors[i] fails the i-th launch when non-nil.
	LaunchErrors map[int]error
	// Locations maps a breakpoint spec to its resolved location count.
	// Unlisted specs resolve to one location.
	Locations map[string]int
	// ResolveAtLaunch leaves breakpoints pending until the first launch,
	// the way adapter backed engines do.
	ResolveAtLaunch bool
	// Commands maps a command to its scripted result; unlisted commands
	// succeed with output "ok: <command>".
	Commands map[string]engine.CommandResult
	Threads  []engine.Thread
	// UnsupportedArchs are rejected with engine.ErrUnsupportedArch.
	UnsupportedArchs []string

	mu        sync.Mutex
	launches  int
	processes []*Process
	executed  []string
	target    *Target
}

func (e *Engine) CreateTarget(_ context.Context, executable, arch string) (engine.Target, error) {
	for _, a := range e.UnsupportedArchs {
		if a == arch {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnsupportedArch, arch)
		}
	}
	if !engine.ValidArch(arch) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnsupportedArch, arch)
	}
	t := &Target{eng: e, exe: executable, arch: arch}
	e.mu.Lock()
	e.target = t
	e.mu.Unlock()
	return t, nil
}

func (e *Engine) Close() error { return nil }

// Target returns the most recently created target.
func (e *Engine) Target() *Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// Launches returns the number of launch attempts, including failed ones.
func (e *Engine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

// Processes returns every successfully launched process in launch order.
func (e *Engine) Processes() []*Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Process(nil), e.processes...)
}

// Executed returns every interpreter command in execution order.
func (e *Engine) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func (e *Engine) locations(spec string) int {
	if n, ok := e.Locations[spec]; ok {
		return n
	}
	return 1
}

func (e *Engine) handle(command string) engine.CommandResult {
	e.mu.Lock()
	e.executed = append(e.executed, command)
	res, ok := e.Commands[command]
	e.mu.Unlock()
	if !ok {
		return engine.CommandResult{Command: command, Succeeded: true, Output: "ok: " + command}
	}
	res.Command = command
	return res
}

// Target is a scripted engine.Target.
type Target struct {
	eng  *Engine
	exe  string
	arch string

	mu     sync.Mutex
	bps    []engine.Breakpoint
	closed bool
}

func (t *Target) Executable() string { return t.exe }
func (t *Target) Arch() string       { return t.arch }

func (t *Target) SetBreakpoint(_ context.Context, spec string) (engine.Breakpoint, error) {
	bp, err := engine.ParseBreakpointSpec(spec)
	if err != nil {
		return engine.Breakpoint{}, err
	}
	if !t.eng.ResolveAtLaunch {
		bp.Locations = t.eng.locations(spec)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bp.ID = len(t.bps) + 1
	t.bps = append(t.bps, bp)
	return bp, nil
}

func (t *Target) Breakpoints() []engine.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]engine.Breakpoint(nil), t.bps...)
}

func (t *Target) Interpreter() engine.Interpreter { return interp{eng: t.eng} }

func (t *Target) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (t *Target) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Target) Launch(_ context.Context, opts engine.LaunchOptions) (engine.Process, error) {
	e := t.eng
	e.mu.Lock()
	idx := e.launches
	e.launches++
	err := e.LaunchErrors[idx]
	var script Script
	if len(e.Scripts) > 0 {
		if idx < len(e.Scripts) {
			script = e.Scripts[idx]
		} else {
			script = e.Scripts[len(e.Scripts)-1]
		}
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	for i := range t.bps {
		if t.bps[i].Pending() {
			t.bps[i].Locations = e.locations(t.bps[i].Spec)
		}
	}
	t.mu.Unlock()

	p := &Process{
		eng:     e,
		pid:     1000 + idx,
		opts:    opts,
		script:  append(Script(nil), script...),
		hub:     engine.NewHub(2*len(script) + 1),
		threads: e.Threads,
	}
	e.mu.Lock()
	e.processes = append(e.processes, p)
	e.mu.Unlock()
	p.advance()
	return p, nil
}

type interp struct{ eng *Engine }

func (i interp) HandleCommand(_ context.Context, command string) engine.CommandResult {
	return i.eng.handle(command)
}

// Process is a scripted engine.Process.
type Process struct {
	eng     *Engine
	pid     int
	opts    engine.LaunchOptions
	hub     *engine.Hub
	threads []engine.Thread

	mu         sync.Mutex
	script     Script
	pos        int
	state      engine.State
	exitStatus int
	exitDesc   string
	continues  int
	kills      int
	killedAt   time.Time
}

// advance broadcasts steps until a Stopped or terminal state is emitted.
func (p *Process) advance() {
	for {
		p.mu.Lock()
		if p.pos >= len(p.script) {
			p.mu.Unlock()
			return
		}
		st := p.script[p.pos]
		p.pos++
		p.state = st.State
		if st.State == engine.StateExited {
			p.exitStatus = st.ExitStatus
			p.exitDesc = st.Description
		}
		p.mu.Unlock()

		if st.Output != "" {
			p.hub.Publish(engine.Event{Kind: engine.EventOutput, Text: st.Output, At: time.Now()})
		}
		p.hub.Publish(engine.Event{Kind: engine.EventStateChanged, State: st.State, Reason: st.Reason, At: time.Now()})
		if st.State == engine.StateStopped || st.State.Terminal() {
			return
		}
	}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) State() engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) Broadcaster() engine.Broadcaster { return p.hub }

func (p *Process) Continue(_ context.Context) error {
	p.mu.Lock()
	if p.state.Terminal() || p.kills > 0 {
		p.mu.Unlock()
		return engine.ErrProcessGone
	}
	p.continues++
	p.mu.Unlock()
	p.advance()
	return nil
}

func (p *Process) Kill(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	if p.killedAt.IsZero() {
		p.killedAt = time.Now()
	}
	if !p.state.Terminal() {
		p.state = engine.StateExited
		p.exitStatus = -1
		p.exitDesc = "killed"
	}
	return nil
}

func (p *Process) Threads(_ context.Context) ([]engine.Thread, error) {
	if p.threads == nil {
		return nil, errors.New("no threads")
	}
	return append([]engine.Thread(nil), p.threads...), nil
}

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

// Continues returns how many times Continue succeeded.
func (p *Process) Continues() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.continues
}

// Kills returns how many times Kill was called.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// Options returns the launch options the process was started with.
func (p *Process) Options() engine.LaunchOptions { return p.opts }
