// Package controller drives a target through repeated launch, event loop
// and kill cycles.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/procevents/internal/batch"
	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/history"
	"github.com/loykin/procevents/internal/listener"
	"github.com/loykin/procevents/internal/metrics"
	"github.com/loykin/procevents/internal/report"
	"github.com/loykin/procevents/internal/session"
)

// ErrLaunch is recorded for an iteration whose process could not be started.
var ErrLaunch = errors.New("launch failed")

const defaultKillTimeout = 5 * time.Second

// Config is the per-session run configuration.
type Config struct {
	Args         []string
	Env          []string
	WorkDir      string
	StopAtEntry  bool
	RunCount     int
	EventTimeout time.Duration
	KillTimeout  time.Duration
	Session      session.Options
}

// Iteration is the outcome of one launch.
type Iteration struct {
	Index      int             `json:"index"`
	PID        int             `json:"pid,omitempty"`
	Outcome    session.Outcome `json:"outcome,omitempty"`
	StopCount  int             `json:"stop_count"`
	ExitStatus int             `json:"exit_status"`
	Err        error           `json:"-"`
}

// Result collects every iteration of a run.
type Result struct {
	SessionID  string
	Iterations []Iteration
}

// ExitCode is the process exit code for a run that had a target.
func (r Result) ExitCode() int { return 0 }

// Status is a point-in-time view of the controller, safe to serialise.
type Status struct {
	SessionID  string      `json:"session_id"`
	Executable string      `json:"executable"`
	RunCount   int         `json:"run_count"`
	Iteration  int         `json:"iteration"`
	PID        int         `json:"pid,omitempty"`
	State      string      `json:"state"`
	StopIndex  int         `json:"stop_index"`
	Running    bool        `json:"running"`
	Completed  []Iteration `json:"completed"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithHistory sends launch and finish events to sink.
func WithHistory(sink history.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(c *Controller) { c.sessionID = id }
}

// Controller runs iterations strictly one after another.
type Controller struct {
	cfg       Config
	rep       *report.Reporter
	log       *slog.Logger
	runner    *batch.Runner
	sink      history.Sink
	sessionID string
	warned    map[int]bool

	mu     sync.Mutex
	status Status
}

func New(cfg Config, rep *report.Reporter, log *slog.Logger, opts ...Option) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RunCount <= 0 {
		cfg.RunCount = 1
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	cfg.Session.EventTimeout = cfg.EventTimeout
	c := &Controller{cfg: cfg, rep: rep, log: log, runner: batch.NewRunner(rep, log)}
	for _, o := range opts {
		o(c)
	}
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	c.log = c.log.With("session", c.sessionID)
	c.status = Status{SessionID: c.sessionID, RunCount: cfg.RunCount, State: engine.StateInvalid.String()}
	return c
}

// SessionID identifies this run in logs and history.
func (c *Controller) SessionID() string { return c.sessionID }

// Status returns a snapshot of the current iteration.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.Completed = append([]Iteration(nil), c.status.Completed...)
	return s
}

// Run performs RunCount launches of tgt. A cancelled ctx ends the current
// iteration through the normal kill path and skips the remaining ones.
func (c *Controller) Run(ctx context.Context, tgt engine.Target, breakpoints []engine.Breakpoint) Result {
	res := Result{SessionID: c.sessionID}
	// the target factory already reported breakpoints it saw unresolved
	c.warned = make(map[int]bool)
	for _, bp := range breakpoints {
		if bp.Locations == 0 {
			c.warned[bp.ID] = true
		}
	}
	c.update(func(s *Status) { s.Executable = tgt.Executable() })
	c.log.Info("run started", "executable", tgt.Executable(), "runs", c.cfg.RunCount, "breakpoints", len(breakpoints))

	for i := 0; i < c.cfg.RunCount; i++ {
		if ctx.Err() != nil {
			c.log.Info("run cancelled", "remaining", c.cfg.RunCount-i)
			break
		}
		it := c.iterate(ctx, tgt, i)
		res.Iterations = append(res.Iterations, it)
		c.update(func(s *Status) {
			s.Running = false
			s.Completed = append(s.Completed, it)
		})
	}
	c.log.Info("run finished", "iterations", len(res.Iterations))
	return res
}

func (c *Controller) iterate(ctx context.Context, tgt engine.Target, i int) Iteration {
	exe := tgt.Executable()
	if c.cfg.RunCount == 1 {
		c.rep.Printf("Launching \"%s\"...", exe)
	} else {
		c.rep.Printf("Launching \"%s\"... (launch %d of %d)", exe, i+1, c.cfg.RunCount)
	}
	it := Iteration{Index: i + 1}
	c.update(func(s *Status) {
		s.Iteration = i + 1
		s.PID = 0
		s.StopIndex = 0
		s.State = engine.StateLaunching.String()
		s.Running = true
	})

	proc, err := tgt.Launch(ctx, engine.LaunchOptions{
		Args:        c.cfg.Args,
		Env:         c.cfg.Env,
		WorkDir:     c.cfg.WorkDir,
		StopAtEntry: c.cfg.StopAtEntry,
	})
	if err != nil || proc == nil {
		if err == nil {
			err = errors.New("engine returned no process")
		}
		it.Err = fmt.Errorf("%w: %w", ErrLaunch, err)
		c.rep.Errorf("error: failed to launch \"%s\": %v", exe, err)
		metrics.IncLaunchFailure()
		c.record(ctx, history.EventLaunchFailed, tgt, it)
		return it
	}
	it.PID = proc.PID()
	c.update(func(s *Status) { s.PID = it.PID })
	c.log.Info("process launched", "iteration", it.Index, "pid", it.PID)
	c.warnUnresolved(tgt)
	c.record(ctx, history.EventLaunch, tgt, it)

	l := listener.New(proc.Broadcaster())
	stopOutput := c.forwardOutput(proc.Broadcaster())
	m := session.New(proc, tgt.Interpreter(), c.runner, c.rep, c.log, c.cfg.Session)
	c.loop(ctx, l, m)
	l.Close()

	// Detached from ctx so the kill runs even after cancellation.
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.KillTimeout)
	if err := proc.Kill(killCtx); err != nil {
		c.log.Warn("kill failed", "pid", it.PID, "error", err)
	}
	cancel()
	stopOutput()

	it.Outcome = m.Outcome()
	it.StopCount = m.StopIndex()
	it.ExitStatus = proc.ExitStatus()
	metrics.IncIteration(string(it.Outcome))
	c.record(ctx, history.EventFinish, tgt, it)
	c.log.Info("iteration finished", "iteration", it.Index, "pid", it.PID, "outcome", string(it.Outcome), "stops", it.StopCount)
	return it
}

// warnUnresolved reports breakpoints the engine resolved to no locations
// while launching. Each is reported once per run.
func (c *Controller) warnUnresolved(tgt engine.Target) {
	for _, bp := range tgt.Breakpoints() {
		if bp.Locations != 0 || c.warned[bp.ID] {
			continue
		}
		c.warned[bp.ID] = true
		c.rep.Warnf("warning: breakpoint %d '%s' has no locations", bp.ID, bp.Spec)
	}
}

// forwardOutput copies inferior output into the transcript. The returned
// func ends the subscription and waits until buffered output is written.
func (c *Controller) forwardOutput(b engine.Broadcaster) (stop func()) {
	sub := b.Subscribe(engine.EventOutput)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			c.rep.Output(ev.Text)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

func (c *Controller) loop(ctx context.Context, l *listener.Listener, m *session.Machine) {
	for !m.Done() {
		ev, err := l.WaitForEvent(ctx, c.cfg.EventTimeout)
		switch {
		case err == nil:
			m.Handle(ctx, ev)
			c.update(func(s *Status) {
				s.State = m.Last().String()
				s.StopIndex = m.StopIndex()
			})
		case errors.Is(err, listener.ErrTimeout):
			m.Timeout()
		default:
			m.Interrupt(err)
		}
	}
}

func (c *Controller) record(ctx context.Context, typ history.EventType, tgt engine.Target, it Iteration) {
	if c.sink == nil {
		return
	}
	rec := history.Record{
		SessionID:  c.sessionID,
		Executable: tgt.Executable(),
		Arch:       tgt.Arch(),
		Iteration:  it.Index,
		PID:        it.PID,
		Outcome:    string(it.Outcome),
		StopCount:  it.StopCount,
		ExitStatus: it.ExitStatus,
	}
	if it.Err != nil {
		rec.Error = it.Err.Error()
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.sink.Send(sendCtx, history.Event{Type: typ, OccurredAt: time.Now(), Record: rec}); err != nil {
		c.log.Warn("history send failed", "event", string(typ), "error", err)
	}
}

func (c *Controller) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}
