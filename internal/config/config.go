// Package config loads the run configuration from flags, PROCEVENTS_
// environment variables, an optional TOML file and defaults, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procevents/internal/batch"
	"github.com/loykin/procevents/internal/controller"
	"github.com/loykin/procevents/internal/engine/dap"
	"github.com/loykin/procevents/internal/logger"
	"github.com/loykin/procevents/internal/session"
)

// EnvPrefix is prepended to every environment override, e.g.
// PROCEVENTS_RUN_COUNT or PROCEVENTS_ADAPTER_ADDR.
const EnvPrefix = "PROCEVENTS"

var (
	// ErrNoExecutable is returned when no program to debug was given.
	ErrNoExecutable = errors.New("no executable specified")

	// ErrInvalid is returned for a configuration that cannot be run.
	ErrInvalid = errors.New("invalid configuration")
)

// Config is the complete run configuration.
type Config struct {
	Executable string   `mapstructure:"-"`
	Args       []string `mapstructure:"-"`

	Arch         string        `mapstructure:"arch"`
	Breakpoints  []string      `mapstructure:"breakpoints"`
	RunCount     int           `mapstructure:"run_count"`
	EventTimeout float64       `mapstructure:"event_timeout"` // seconds, 0 waits forever
	Verbose      bool          `mapstructure:"verbose"`
	ShowThreads  bool          `mapstructure:"show_threads"`
	StopOnError  bool          `mapstructure:"stop_on_error"`
	Commands     batch.Batches `mapstructure:"commands"`

	WorkDir  string   `mapstructure:"workdir"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Adapter AdapterConfig `mapstructure:"adapter"`
	Log     LogConfig     `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Server  ServerConfig  `mapstructure:"server"`
}

type AdapterConfig struct {
	Command       []string       `mapstructure:"command"`
	Addr          string         `mapstructure:"addr"`
	AdapterID     string         `mapstructure:"adapter_id"`
	CommandPrefix string         `mapstructure:"command_prefix"`
	StopAtEntry   bool           `mapstructure:"stop_at_entry"`
	ForceKill     bool           `mapstructure:"force_kill"`
	DialTimeout   time.Duration  `mapstructure:"dial_timeout"`
	LaunchArgs    map[string]any `mapstructure:"launch_args"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Color       bool   `mapstructure:"color"`
	TimeStamps  bool   `mapstructure:"timestamps"`
	SessionFile string `mapstructure:"session_file"`
	SessionDir  string `mapstructure:"session_dir"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// HistoryConfig selects the run history sink; see history/factory.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig enables the status server when Addr is set.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("arch", "")
	v.SetDefault("breakpoints", []string{})
	v.SetDefault("run_count", 1)
	v.SetDefault("event_timeout", 5)
	v.SetDefault("verbose", false)
	v.SetDefault("show_threads", true)
	v.SetDefault("stop_on_error", true)
	v.SetDefault("commands.launch", []string{})
	v.SetDefault("commands.stop", []string{})
	v.SetDefault("commands.crash", []string{})
	v.SetDefault("commands.exit", []string{})
	v.SetDefault("workdir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("adapter.command", []string{"lldb-dap"})
	v.SetDefault("adapter.addr", "")
	v.SetDefault("adapter.adapter_id", dap.DefaultAdapterID)
	v.SetDefault("adapter.command_prefix", dap.DefaultCommandPrefix)
	v.SetDefault("adapter.stop_at_entry", true)
	v.SetDefault("adapter.force_kill", true)
	v.SetDefault("adapter.dial_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.session_file", "")
	v.SetDefault("log.session_dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("server.addr", "")
}

// Load resolves the configuration held by v. The file named by the
// "config" key is read first when set; args are the executable followed by
// its arguments.
func Load(v *viper.Viper, args []string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if len(args) > 0 {
		c.Executable = args[0]
		c.Args = append([]string(nil), args[1:]...)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	if c.Executable == "" {
		return ErrNoExecutable
	}
	var errs []error
	if c.RunCount < 1 {
		errs = append(errs, fmt.Errorf("%w: run_count must be at least 1, got %d", ErrInvalid, c.RunCount))
	}
	if c.EventTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: event_timeout must not be negative", ErrInvalid))
	}
	if len(c.Adapter.Command) == 0 && c.Adapter.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: adapter.command or adapter.addr is required", ErrInvalid))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format))
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("%w: env entry %q is not KEY=VALUE", ErrInvalid, kv))
		}
	}
	return errors.Join(errs...)
}

// EventTimeoutDuration converts the configured seconds.
func (c Config) EventTimeoutDuration() time.Duration {
	return time.Duration(c.EventTimeout * float64(time.Second))
}

// ResolveEnv builds the inferior environment: the OS environment when
// use_os_env is set, then env_files in order, then env entries.
func (c Config) ResolveEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: env file: %w", ErrInvalid, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}

// LoggerConfig maps the log section onto the logger package.
func (c Config) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
		},
		File: logger.FileConfig{
			Path:       c.Log.SessionFile,
			Dir:        c.Log.SessionDir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// DAPConfig maps the adapter section onto the DAP engine.
func (c Config) DAPConfig() dap.Config {
	return dap.Config{
		Command:       c.Adapter.Command,
		Addr:          c.Adapter.Addr,
		DialTimeout:   c.Adapter.DialTimeout,
		AdapterID:     c.Adapter.AdapterID,
		CommandPrefix: c.Adapter.CommandPrefix,
		LaunchArgs:    c.Adapter.LaunchArgs,
		ForceKill:     c.Adapter.ForceKill,
	}
}

// ControllerConfig builds the run controller configuration for the
// resolved environment and working directory.
func (c Config) ControllerConfig(env []string, workDir string) controller.Config {
	if c.WorkDir != "" {
		workDir = c.WorkDir
	}
	return controller.Config{
		Args:         c.Args,
		Env:          env,
		WorkDir:      workDir,
		StopAtEntry:  c.Adapter.StopAtEntry,
		RunCount:     c.RunCount,
		EventTimeout: c.EventTimeoutDuration(),
		Session: session.Options{
			Batches:     c.Commands,
			StopOnError: c.StopOnError,
			ShowThreads: c.ShowThreads,
			Verbose:     c.Verbose,
		},
	}
}
