package engine

import (
	"context"
	"time"
)

// EventMask selects which broadcast bits a subscription receives.
type EventMask uint32

const (
	EventStateChanged EventMask = 1 << iota // process lifecycle transitions
	EventOutput                             // inferior stdout/stderr text
)

// Event is a single broadcast from a process.
type Event struct {
	Kind   EventMask
	State  State
	Reason string // engine supplied stop/exit reason, may be empty
	Text   string // output text for EventOutput
	At     time.Time
}

// Subscription is a bounded, ordered stream of events for one listener.
// Events is closed when the broadcaster shuts down or Close is called.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Broadcaster is the process notification source.
type Broadcaster interface {
	Subscribe(mask EventMask) Subscription
}

// CommandResult is the outcome of a single interpreter command.
type CommandResult struct {
	Command   string
	Succeeded bool
	Output    string
	Error     string
}

// String formats the result like a debugger return object.
func (r CommandResult) String() string {
	if r.Succeeded {
		return r.Output
	}
	if r.Error == "" {
		return "error: command failed: " + r.Command
	}
	return "error: " + r.Error
}

// Interpreter executes debugger commands.
type Interpreter interface {
	HandleCommand(ctx context.Context, command string) CommandResult
}

// Thread is a snapshot of one inferior thread and its innermost frame.
type Thread struct {
	Index      int
	ID         int
	Name       string
	Frame      string
	StopReason string
}

// LaunchOptions configures one launch of a target.
type LaunchOptions struct {
	Args        []string
	Env         []string
	WorkDir     string
	StopAtEntry bool
}

// Process is one launched run of a Target.
type Process interface {
	PID() int
	State() State
	Broadcaster() Broadcaster
	Continue(ctx context.Context) error
	// Kill terminates the process. Killing an already terminated
	// process returns nil and leaves the exit status untouched.
	Kill(ctx context.Context) error
	Threads(ctx context.Context) ([]Thread, error)
	ExitStatus() int
	ExitDescription() string
}

// Target is a configured, not yet running debug subject.
type Target interface {
	Executable() string
	Arch() string
	SetBreakpoint(ctx context.Context, spec string) (Breakpoint, error)
	Breakpoints() []Breakpoint
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
	Interpreter() Interpreter
	Close() error
}

// Engine creates targets. Implementations return ErrUnsupportedArch for
// architectures they cannot debug.
type Engine interface {
	CreateTarget(ctx context.Context, executable, arch string) (Target, error)
	Close() error
}
