// Package procevents embeds the debug-session event controller: launch a
// program under a debug adapter, react to its process events with command
// batches and collect the outcome of every launch.
package procevents

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/loykin/procevents/internal/batch"
	"github.com/loykin/procevents/internal/config"
	"github.com/loykin/procevents/internal/controller"
	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/engine/dap"
	"github.com/loykin/procevents/internal/history"
	"github.com/loykin/procevents/internal/history/factory"
	"github.com/loykin/procevents/internal/metrics"
	"github.com/loykin/procevents/internal/report"
	"github.com/loykin/procevents/internal/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
)

// Re-exported types. These are aliases so conversions are zero-cost.

type Config = config.Config

type AdapterConfig = config.AdapterConfig

type Batches = batch.Batches

type Result = controller.Result

type Iteration = controller.Iteration

type Status = controller.Status

type HistorySink = history.Sink

type Engine = engine.Engine

// LoadConfig reads an optional TOML file plus PROCEVENTS_* environment
// variables. args is the executable followed by its arguments.
func LoadConfig(path string, args []string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.Set("config", path)
	}
	return config.Load(v, args)
}

func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }

// Option configures a Session.
type Option func(*Session)

// WithEngine replaces the DAP engine built from Config.Adapter.
func WithEngine(e Engine) Option { return func(s *Session) { s.eng = e } }

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

func WithHistory(sink HistorySink) Option { return func(s *Session) { s.sink = sink } }

// Session is one configured run of a program, possibly over several
// launches.
type Session struct {
	cfg  Config
	eng  Engine
	log  *slog.Logger
	sink HistorySink
	rep  *report.Reporter
	ctl  *controller.Controller
}

// NewSession validates cfg and prepares a session. The operator transcript
// is written to out.
func NewSession(cfg Config, out io.Writer, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.eng == nil {
		s.eng = dap.New(cfg.DAPConfig(), s.log)
	}
	s.rep = report.New(out, report.WithLogger(s.log))

	ctlOpts := []controller.Option{controller.WithSessionID(uuid.NewString())}
	if s.sink != nil {
		ctlOpts = append(ctlOpts, controller.WithHistory(s.sink))
	}
	wd, _ := os.Getwd()
	env, err := cfg.ResolveEnv()
	if err != nil {
		return nil, err
	}
	s.ctl = controller.New(cfg.ControllerConfig(env, wd), s.rep, s.log, ctlOpts...)
	return s, nil
}

func (s *Session) ID() string { return s.ctl.SessionID() }

// Status is safe to call from other goroutines while Run is in progress.
func (s *Session) Status() Status { return s.ctl.Status() }

// Run creates the target, installs breakpoints and performs every launch.
// The error is non-nil only when the target cannot be created.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer func() { _ = s.eng.Close() }()
	targets := target.NewFactory(s.eng, s.rep, s.log)
	tgt, err := targets.Create(ctx, s.cfg.Executable, s.cfg.Arch)
	if err != nil {
		s.rep.Errorf("error: %v", err)
		return Result{SessionID: s.ID()}, err
	}
	defer func() { _ = tgt.Close() }()
	bps := targets.InstallBreakpoints(ctx, tgt, s.cfg.Breakpoints)
	return s.ctl.Run(ctx, tgt, bps), nil
}

// Observe registers fn for every transcript line. Call the returned
// function to stop observing.
func (s *Session) Observe(fn func(text string)) (cancel func()) {
	return s.rep.Observe(func(l report.Line) { fn(l.Text) })
}
