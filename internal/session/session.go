// Package session maps process lifecycle events of one run to operator
// reports, command batches and resume requests.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loykin/procevents/internal/batch"
	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/metrics"
	"github.com/loykin/procevents/internal/report"
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeExited      Outcome = "exited"
	OutcomeCrashed     Outcome = "crashed"
	OutcomeDetached    Outcome = "detached"
	OutcomeUnloaded    Outcome = "unloaded"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeInterrupted Outcome = "interrupted"
)

// Options controls what the machine does on each transition.
type Options struct {
	Batches      batch.Batches
	StopOnError  bool
	ShowThreads  bool
	Verbose      bool
	EventTimeout time.Duration
	// Sample, when set, is called with the pid on every stop.
	Sample func(ctx context.Context, pid int)
}

// Machine is the per-run state: a stop counter and a done flag.
type Machine struct {
	proc   engine.Process
	interp engine.Interpreter
	runner *batch.Runner
	rep    *report.Reporter
	log    *slog.Logger
	opts   Options

	stopIndex int
	done      bool
	last      engine.State
	outcome   Outcome
}

// New creates a machine for one launched process.
func New(proc engine.Process, interp engine.Interpreter, runner *batch.Runner, rep *report.Reporter, log *slog.Logger, opts Options) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		proc:   proc,
		interp: interp,
		runner: runner,
		rep:    rep,
		log:    log.With("pid", proc.PID()),
		opts:   opts,
	}
}

// StopIndex returns the number of Stopped transitions handled.
func (m *Machine) StopIndex() int { return m.stopIndex }

// Done reports whether a terminal state was reached.
func (m *Machine) Done() bool { return m.done }

// Last returns the most recently handled state.
func (m *Machine) Last() engine.State { return m.last }

// Outcome returns how the session ended, or OutcomeNone while it runs.
func (m *Machine) Outcome() Outcome { return m.outcome }

// Handle acts on one state-change event and reports whether the session is
// over. Events after the session ended are ignored.
func (m *Machine) Handle(ctx context.Context, ev engine.Event) bool {
	if m.done {
		m.log.Debug("event after session end ignored", "state", ev.State.String())
		return true
	}
	m.last = ev.State
	metrics.IncStateEvent(ev.State.String())
	m.log.Debug("process event", "state", ev.State.String(), "reason", ev.Reason)
	pid := m.proc.PID()

	switch ev.State {
	case engine.StateStopped:
		m.stopped(ctx, pid)
	case engine.StateExited:
		if desc := m.proc.ExitDescription(); desc != "" {
			m.rep.Printf("process %d exited with status %d: %s", pid, m.proc.ExitStatus(), desc)
		} else {
			m.rep.Printf("process %d exited with status %d", pid, m.proc.ExitStatus())
		}
		m.runner.RunTrigger(ctx, batch.OnExit, m.interp, m.opts.Batches, m.opts.StopOnError)
		m.finish(OutcomeExited)
	case engine.StateCrashed:
		m.rep.Printf("process %d crashed", pid)
		m.threads(ctx)
		m.runner.RunTrigger(ctx, batch.OnCrash, m.interp, m.opts.Batches, m.opts.StopOnError)
		m.finish(OutcomeCrashed)
	case engine.StateDetached:
		m.rep.Printf("process %d detached", pid)
		m.finish(OutcomeDetached)
	case engine.StateRunning:
		if m.opts.Verbose {
			m.rep.Printf("process %d resumed", pid)
		}
	case engine.StateUnloaded:
		m.rep.Warnf("process %d unloaded, this shouldn't happen", pid)
		m.finish(OutcomeUnloaded)
	case engine.StateConnected:
		m.rep.Println("process connected")
	case engine.StateAttaching:
		m.rep.Println("process attaching")
	case engine.StateLaunching:
		m.rep.Println("process launching")
	default:
		m.log.Warn("unknown process state", "state", int(ev.State))
	}
	return m.done
}

func (m *Machine) stopped(ctx context.Context, pid int) {
	if m.stopIndex == 0 {
		m.rep.Printf("process %d launched", pid)
		m.runner.RunTrigger(ctx, batch.OnLaunch, m.interp, m.opts.Batches, m.opts.StopOnError)
	} else {
		if m.opts.Verbose {
			m.rep.Printf("process %d stopped", pid)
		}
		m.runner.RunTrigger(ctx, batch.OnStop, m.interp, m.opts.Batches, m.opts.StopOnError)
	}
	m.stopIndex++
	metrics.SetStopIndex(m.stopIndex)
	m.threads(ctx)
	if m.opts.Sample != nil {
		m.opts.Sample(ctx, pid)
	}
	if err := m.proc.Continue(ctx); err != nil {
		m.rep.Errorf("error: failed to continue process %d: %v", pid, err)
	}
}

// Timeout ends the session after the listener gave up waiting.
func (m *Machine) Timeout() {
	if m.done {
		return
	}
	m.rep.Printf("no process event for %s seconds, killing the process...", seconds(m.opts.EventTimeout))
	m.finish(OutcomeTimeout)
}

// Interrupt ends the session when events can no longer be received.
func (m *Machine) Interrupt(err error) {
	if m.done {
		return
	}
	m.rep.Warnf("process %d interrupted (%v), killing the process...", m.proc.PID(), err)
	m.finish(OutcomeInterrupted)
}

func (m *Machine) finish(o Outcome) {
	m.done = true
	m.outcome = o
	m.log.Debug("session finished", "outcome", string(o), "stops", m.stopIndex)
}

func (m *Machine) threads(ctx context.Context) {
	if !m.opts.ShowThreads {
		return
	}
	threads, err := m.proc.Threads(ctx)
	if err != nil {
		m.log.Warn("thread enumeration failed", "error", err)
		return
	}
	for _, th := range threads {
		m.rep.Println(FormatThread(th))
	}
}

// FormatThread renders a thread and its innermost frame on one line.
func FormatThread(th engine.Thread) string {
	s := fmt.Sprintf("thread #%d: tid = %d", th.Index, th.ID)
	if th.Name != "" {
		s += ", name = " + strconv.Quote(th.Name)
	}
	if th.Frame != "" {
		s += ", frame #0: " + th.Frame
	}
	if th.StopReason != "" {
		s += ", stop reason = " + th.StopReason
	}
	return s
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
