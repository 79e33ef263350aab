// Package batch runs ordered lists of debugger commands against an engine
// interpreter.
package batch

import (
	"context"
	"log/slog"

	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/metrics"
	"github.com/loykin/procevents/internal/report"
)

// Trigger names the lifecycle transition a batch is bound to.
type Trigger string

const (
	OnLaunch Trigger = "on-launch"
	OnStop   Trigger = "on-stop"
	OnCrash  Trigger = "on-crash"
	OnExit   Trigger = "on-exit"
)

// Batches holds the four command lists, one per trigger.
type Batches struct {
	Launch []string `mapstructure:"launch" json:"launch,omitempty"`
	Stop   []string `mapstructure:"stop" json:"stop,omitempty"`
	Crash  []string `mapstructure:"crash" json:"crash,omitempty"`
	Exit   []string `mapstructure:"exit" json:"exit,omitempty"`
}

// For returns the commands bound to t.
func (b Batches) For(t Trigger) []string {
	switch t {
	case OnLaunch:
		return b.Launch
	case OnStop:
		return b.Stop
	case OnCrash:
		return b.Crash
	case OnExit:
		return b.Exit
	}
	return nil
}

// Runner executes command batches and reports their output.
type Runner struct {
	rep *report.Reporter
	log *slog.Logger
}

// NewRunner creates a runner. A nil logger uses slog.Default.
func NewRunner(rep *report.Reporter, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{rep: rep, log: log}
}

// Run sends each command to interp in order. Output of a succeeding command
// is reported verbatim; a failing command is reported as an error and, when
// stopOnError is set, ends the batch. The results are for observability only.
func (r *Runner) Run(ctx context.Context, interp engine.Interpreter, commands []string, stopOnError bool) []engine.CommandResult {
	return r.run(ctx, "", interp, commands, stopOnError)
}

// RunTrigger runs the batch bound to t, labelling metrics and logs with it.
func (r *Runner) RunTrigger(ctx context.Context, t Trigger, interp engine.Interpreter, b Batches, stopOnError bool) []engine.CommandResult {
	return r.run(ctx, t, interp, b.For(t), stopOnError)
}

func (r *Runner) run(ctx context.Context, t Trigger, interp engine.Interpreter, commands []string, stopOnError bool) []engine.CommandResult {
	results := make([]engine.CommandResult, 0, len(commands))
	for _, cmd := range commands {
		if ctx.Err() != nil {
			r.log.Debug("batch interrupted", "trigger", string(t), "remaining", len(commands)-len(results))
			break
		}
		res := interp.HandleCommand(ctx, cmd)
		results = append(results, res)
		metrics.IncBatchCommand(string(t), res.Succeeded)
		if res.Succeeded {
			r.rep.Println(res.Output)
			continue
		}
		r.rep.Errorf("%s", res.String())
		r.log.Debug("command failed", "trigger", string(t), "command", cmd, "stop_on_error", stopOnError)
		if stopOnError {
			break
		}
	}
	return results
}
