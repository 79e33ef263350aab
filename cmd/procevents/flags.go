package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// RunFlags holds the command line, decoupled from cobra so it can be
// mapped onto viper keys.
type RunFlags struct {
	ConfigPath     string
	Breakpoints    []string
	Arch           string
	LaunchCommands []string
	StopCommands   []string
	CrashCommands  []string
	ExitCommands   []string
	NoThreads      bool
	IgnoreErrors   bool
	RunCount       int
	EventTimeout   float64
	Verbose        bool
	Adapter        string
	AdapterAddr    string
	CommandPrefix  string
	NoStopAtEntry  bool
	Env            []string
	LogLevel       string
	LogFormat      string
	SessionLog     string
	History        string
	StatusAddr     string
}

// binding maps a changed flag onto a config key.
type binding struct {
	flag  string
	key   string
	value func(f *RunFlags) any
}

var bindings = []binding{
	{"config", "config", func(f *RunFlags) any { return f.ConfigPath }},
	{"breakpoint", "breakpoints", func(f *RunFlags) any { return f.Breakpoints }},
	{"arch", "arch", func(f *RunFlags) any { return f.Arch }},
	{"launch-command", "commands.launch", func(f *RunFlags) any { return f.LaunchCommands }},
	{"stop-command", "commands.stop", func(f *RunFlags) any { return f.StopCommands }},
	{"crash-command", "commands.crash", func(f *RunFlags) any { return f.CrashCommands }},
	{"exit-command", "commands.exit", func(f *RunFlags) any { return f.ExitCommands }},
	{"no-threads", "show_threads", func(f *RunFlags) any { return !f.NoThreads }},
	{"ignore-errors", "stop_on_error", func(f *RunFlags) any { return !f.IgnoreErrors }},
	{"run-count", "run_count", func(f *RunFlags) any { return f.RunCount }},
	{"event-timeout", "event_timeout", func(f *RunFlags) any { return f.EventTimeout }},
	{"verbose", "verbose", func(f *RunFlags) any { return f.Verbose }},
	{"adapter", "adapter.command", func(f *RunFlags) any { return strings.Fields(f.Adapter) }},
	{"adapter-addr", "adapter.addr", func(f *RunFlags) any { return f.AdapterAddr }},
	{"command-prefix", "adapter.command_prefix", func(f *RunFlags) any { return f.CommandPrefix }},
	{"no-stop-at-entry", "adapter.stop_at_entry", func(f *RunFlags) any { return !f.NoStopAtEntry }},
	{"env", "env", func(f *RunFlags) any { return f.Env }},
	{"log-level", "log.level", func(f *RunFlags) any { return f.LogLevel }},
	{"log-format", "log.format", func(f *RunFlags) any { return f.LogFormat }},
	{"session-log", "log.session_file", func(f *RunFlags) any { return f.SessionLog }},
	{"history", "history.dsn", func(f *RunFlags) any { return f.History }},
	{"status-addr", "server.addr", func(f *RunFlags) any { return f.StatusAddr }},
}

func registerFlags(fs *pflag.FlagSet, f *RunFlags) {
	fs.StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	fs.StringArrayVarP(&f.Breakpoints, "breakpoint", "b", nil, "breakpoint expression: function, file:line or 0xADDR (repeatable)")
	fs.StringVarP(&f.Arch, "arch", "a", "", "architecture of the target")
	fs.StringArrayVarP(&f.LaunchCommands, "launch-command", "l", nil, "command to run once after the process launches (repeatable)")
	fs.StringArrayVarP(&f.StopCommands, "stop-command", "s", nil, "command to run on every later stop (repeatable)")
	fs.StringArrayVarP(&f.CrashCommands, "crash-command", "c", nil, "command to run when the process crashes (repeatable)")
	fs.StringArrayVarP(&f.ExitCommands, "exit-command", "x", nil, "command to run when the process exits (repeatable)")
	fs.BoolVarP(&f.NoThreads, "no-threads", "T", false, "don't print threads when the process stops")
	fs.BoolVarP(&f.IgnoreErrors, "ignore-errors", "e", false, "keep running a batch after a command fails")
	fs.IntVarP(&f.RunCount, "run-count", "n", 1, "how many times to launch the program")
	fs.Float64VarP(&f.EventTimeout, "event-timeout", "t", 5, "seconds to wait for a process event before killing it")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "report resumed and stopped transitions")
	fs.StringVar(&f.Adapter, "adapter", "lldb-dap", "debug adapter command line")
	fs.StringVar(&f.AdapterAddr, "adapter-addr", "", "HOST:PORT of a running debug adapter")
	fs.StringVar(&f.CommandPrefix, "command-prefix", "`", "prefix that marks an evaluate request as a debugger command")
	fs.BoolVar(&f.NoStopAtEntry, "no-stop-at-entry", false, "don't stop the process at its entry point")
	fs.StringArrayVar(&f.Env, "env", nil, "KEY=VALUE added to the inferior environment (repeatable)")
	fs.StringVar(&f.LogLevel, "log-level", "info", "diagnostic log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFormat, "log-format", "text", "diagnostic log format (text, json)")
	fs.StringVar(&f.SessionLog, "session-log", "", "file that receives a copy of the session transcript")
	fs.StringVar(&f.History, "history", "", "run history DSN (sqlite, postgres, clickhouse, opensearch)")
	fs.StringVar(&f.StatusAddr, "status-addr", "", "address for the status HTTP server")
}

// apply copies changed flags into v. Defaults stay with config.SetDefaults
// so the file and environment can still override them.
func (f *RunFlags) apply(fs *pflag.FlagSet, v *viper.Viper) {
	for _, b := range bindings {
		if fs.Changed(b.flag) {
			v.Set(b.key, b.value(f))
		}
	}
}

func buildRoot(runFn func(v *viper.Viper, args []string)) *cobra.Command {
	flags := &RunFlags{}
	root := &cobra.Command{
		Use:   "procevents [flags] [--] EXECUTABLE [ARGS...]",
		Short: "Launch a program under a debugger and react to its process events",
		Long: `procevents launches a program through a debug adapter, waits for process
state changes and runs command batches on launch, stop, crash and exit.

Examples:
  procevents -b main -l bt -s "frame variable" ./a.out
  procevents -n 10 -t 2 -c "bt all" -- ./server --port 8080
  procevents --adapter-addr 127.0.0.1:4711 --history sqlite:///tmp/runs.db ./a.out`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			v := viper.New()
			flags.apply(cmd.Flags(), v)
			runFn(v, args)
		},
	}
	root.Flags().SetInterspersed(false)
	registerFlags(root.Flags(), flags)
	return root
}
