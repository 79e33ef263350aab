// Package dap implements engine.Engine on top of the Debug Adapter Protocol.
//
// Each launch gets its own adapter session: the adapter is spawned over
// stdio (lldb-dap, dlv dap) or dialed over TCP, initialized, launched,
// configured with the target's breakpoints and then driven through
// continue, threads, evaluate and disconnect requests. Adapter events are
// translated into engine lifecycle states and published on the process hub.
package dap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procevents/internal/engine"
)

const (
	DefaultAdapterID      = "lldb-dap"
	DefaultCommandPrefix  = "`"
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config describes how to reach the debug adapter.
type Config struct {
	// Command spawns a stdio adapter, e.g. ["lldb-dap"] or ["dlv", "dap"].
	Command []string
	// Addr dials an adapter already listening on host:port instead.
	Addr        string
	DialTimeout time.Duration
	// Connect overrides Command and Addr; used by tests and embedders.
	Connect func(ctx context.Context) (Transport, error)

	AdapterID string
	// CommandPrefix is prepended to interpreter commands sent as repl
	// evaluations so the adapter treats them as debugger commands.
	CommandPrefix string
	// LaunchArgs are merged into every launch request, e.g. {"mode": "exec"}.
	LaunchArgs map[string]any
	// ForceKill kills an inferior that survives disconnect.
	ForceKill      bool
	RequestTimeout time.Duration
	// EventDepth bounds each lifecycle subscription.
	EventDepth int
}

// Engine creates DAP backed targets.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates an engine. A nil logger uses slog.Default.
func New(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AdapterID == "" {
		cfg.AdapterID = DefaultAdapterID
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.EventDepth <= 0 {
		cfg.EventDepth = engine.DefaultSubscriptionDepth
	}
	return &Engine{cfg: cfg, log: log.With("component", "dap")}
}

func (e *Engine) CreateTarget(_ context.Context, executable, arch string) (engine.Target, error) {
	if !engine.ValidArch(arch) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnsupportedArch, arch)
	}
	return &Target{eng: e, exe: executable, arch: arch}, nil
}

func (e *Engine) Close() error { return nil }

// Target holds the breakpoint specifications applied to every launch.
type Target struct {
	eng  *Engine
	exe  string
	arch string

	mu     sync.Mutex
	bps    []engine.Breakpoint
	active *Process
	closed bool
}

func (t *Target) Executable() string { return t.exe }
func (t *Target) Arch() string       { return t.arch }

// SetBreakpoint records spec. DAP adapters resolve breakpoints per session,
// so the location count stays pending until a launch configures it.
func (t *Target) SetBreakpoint(_ context.Context, spec string) (engine.Breakpoint, error) {
	bp, err := engine.ParseBreakpointSpec(spec)
	if err != nil {
		return engine.Breakpoint{}, err
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

func (t *Target) resolved(locations map[int]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bps {
		if n, ok := locations[t.bps[i].ID]; ok {
			t.bps[i].Locations = n
		}
	}
}

func (t *Target) setActive(p *Process) {
	t.mu.Lock()
	t.active = p
	t.mu.Unlock()
}

func (t *Target) current() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Interpreter sends commands to the session of the most recent launch.
func (t *Target) Interpreter() engine.Interpreter { return interpreter{t: t} }

func (t *Target) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Process, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("target %s: %w", t.exe, engine.ErrNoSession)
	}
	t.mu.Unlock()

	p, err := launch(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	t.setActive(p)
	return p, nil
}

// Close kills a process still attached to the target.
func (t *Target) Close() error {
	t.mu.Lock()
	t.closed = true
	p := t.active
	t.active = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.eng.cfg.RequestTimeout)
	defer cancel()
	return p.Kill(ctx)
}

type interpreter struct{ t *Target }

func (i interpreter) HandleCommand(ctx context.Context, command string) engine.CommandResult {
	p := i.t.current()
	if p == nil {
		return engine.CommandResult{Command: command, Error: engine.ErrNoSession.Error()}
	}
	return p.evaluate(ctx, i.t.eng.cfg.CommandPrefix+command, command)
}
