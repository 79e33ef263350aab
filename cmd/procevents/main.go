package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/procevents/internal/config"
	"github.com/loykin/procevents/internal/controller"
	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/engine/dap"
	"github.com/loykin/procevents/internal/history"
	"github.com/loykin/procevents/internal/history/factory"
	"github.com/loykin/procevents/internal/logger"
	"github.com/loykin/procevents/internal/metrics"
	"github.com/loykin/procevents/internal/report"
	"github.com/loykin/procevents/internal/server"
	"github.com/loykin/procevents/internal/target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
)

const shutdownTimeout = 3 * time.Second

// EngineFunc builds the debugger engine for a loaded configuration.
type EngineFunc func(cfg config.Config, log *slog.Logger) engine.Engine

func newDAPEngine(cfg config.Config, log *slog.Logger) engine.Engine {
	return dap.New(cfg.DAPConfig(), log)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, newDAPEngine)
	stop()
	os.Exit(code)
}

// run parses args, drives the session and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, newEngine EngineFunc) int {
	code := 0
	root := buildRoot(func(v *viper.Viper, positional []string) {
		code = session(ctx, v, positional, stdout, stderr, newEngine)
	})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return code
}

func session(ctx context.Context, v *viper.Viper, args []string, stdout, stderr io.Writer, newEngine EngineFunc) int {
	cfg, err := config.Load(v, args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	lc := cfg.LoggerConfig()
	log, err := logger.NewSlogger(stderr, lc.Slog)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	sessionID := uuid.NewString()
	log = log.With("session", sessionID)

	opts := []report.Option{report.WithLogger(log)}
	if w := lc.File.SessionWriter(sessionID); w != nil {
		defer func() { _ = w.Close() }()
		opts = append(opts, report.WithTee(w))
	}
	rep := report.New(stdout, opts...)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	var sink history.Sink
	if cfg.History.DSN != "" {
		sink, err = factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			rep.Errorf("error: history sink: %v", err)
			return 1
		}
		defer func() {
			if err := history.Close(sink); err != nil {
				log.Warn("close history sink", "error", err)
			}
		}()
	}

	eng := newEngine(cfg, log)
	defer func() { _ = eng.Close() }()

	targets := target.NewFactory(eng, rep, log)
	tgt, err := targets.Create(ctx, cfg.Executable, cfg.Arch)
	if err != nil {
		rep.Errorf("error: %v", err)
		return 1
	}
	defer func() { _ = tgt.Close() }()
	bps := targets.InstallBreakpoints(ctx, tgt, cfg.Breakpoints)

	env, err := cfg.ResolveEnv()
	if err != nil {
		rep.Errorf("error: %v", err)
		return 1
	}
	wd, err := os.Getwd()
	if err != nil {
		rep.Errorf("error: working directory: %v", err)
		return 1
	}
	cc := cfg.ControllerConfig(env, wd)
	cc.Session.Sample = func(ctx context.Context, pid int) {
		s, err := metrics.SampleInferior(ctx, pid)
		if err != nil {
			log.Debug("sample inferior", "pid", pid, "error", err)
			return
		}
		log.Debug("inferior sample", "pid", pid, "rss", s.MemoryRSS, "threads", s.NumThreads, "cpu", s.CPUPercent)
	}

	ctlOpts := []controller.Option{controller.WithSessionID(sessionID)}
	if sink != nil {
		ctlOpts = append(ctlOpts, controller.WithHistory(sink))
	}
	ctl := controller.New(cc, rep, log, ctlOpts...)

	if cfg.Server.Addr != "" {
		srv, err := server.NewServer(cfg.Server.Addr, "", ctl, rep, log)
		if err != nil {
			rep.Errorf("error: status server: %v", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return ctl.Run(ctx, tgt, bps).ExitCode()
}
