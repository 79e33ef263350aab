package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procevents/internal/config"
	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/engine/enginetest"
)

func scripted(eng *enginetest.Engine) EngineFunc {
	return func(config.Config, *slog.Logger) engine.Engine { return eng }
}

func cleanExit() *enginetest.Engine {
	return &enginetest.Engine{Scripts: []enginetest.Script{{
		{State: engine.StateLaunching},
		{State: engine.StateRunning},
		{State: engine.StateStopped},
		{State: engine.StateRunning},
		{State: engine.StateExited},
	}}}
}

func selfExe(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestRun_NoExecutable(t *testing.T) {
	var out, errb bytes.Buffer
	code := run(context.Background(), nil, &out, &errb, scripted(cleanExit()))
	assert.Equal(t, 1, code)
	assert.Contains(t, errb.String(), "no executable")
}

func TestRun_TargetCreationFails(t *testing.T) {
	var out, errb bytes.Buffer
	eng := cleanExit()
	code := run(context.Background(), []string{"--log-level", "error", filepath.Join(t.TempDir(), "missing")}, &out, &errb, scripted(eng))
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "Creating a target for")
	assert.Equal(t, 0, eng.Launches())
}

func TestRun_UnsupportedArch(t *testing.T) {
	var out, errb bytes.Buffer
	eng := cleanExit()
	code := run(context.Background(), []string{"--log-level", "error", "-a", "sparc", selfExe(t)}, &out, &errb, scripted(eng))
	assert.Equal(t, 1, code)
	assert.Equal(t, 0, eng.Launches())
}

func TestRun_InvalidConfig(t *testing.T) {
	var out, errb bytes.Buffer
	code := run(context.Background(), []string{"-n", "0", selfExe(t)}, &out, &errb, scripted(cleanExit()))
	assert.Equal(t, 1, code)
	assert.Contains(t, errb.String(), "run_count")
}

func TestRun_ScriptedSession(t *testing.T) {
	dir := t.TempDir()
	sessionLog := filepath.Join(dir, "session.log")
	dbPath := filepath.Join(dir, "history.db")
	exe := selfExe(t)

	var out, errb bytes.Buffer
	eng := cleanExit()
	args := []string{
		"--log-level", "error",
		"-b", "main",
		"-l", "bt",
		"-x", "frame variable",
		"-n", "2",
		"--session-log", sessionLog,
		"--history", "sqlite://" + dbPath,
		"--", exe, "-flag", "value",
	}
	code := run(context.Background(), args, &out, &errb, scripted(eng))
	require.Equal(t, 0, code, errb.String())

	assert.Equal(t, 2, eng.Launches())
	assert.Equal(t, []string{"bt", "frame variable", "bt", "frame variable"}, eng.Executed())
	for _, p := range eng.Processes() {
		assert.Equal(t, 1, p.Kills())
		assert.Equal(t, []string{"-flag", "value"}, p.Options().Args)
	}

	text := out.String()
	assert.Contains(t, text, "Launching \""+exe+"\"... (launch 1 of 2)")
	assert.Contains(t, text, "process 1000 exited with status 0")

	logged, err := os.ReadFile(sessionLog)
	require.NoError(t, err)
	assert.Equal(t, text, string(logged))

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestRun_BadHistoryDSN(t *testing.T) {
	var out, errb bytes.Buffer
	eng := cleanExit()
	code := run(context.Background(), []string{"--log-level", "error", "--history", "redis://localhost", selfExe(t)}, &out, &errb, scripted(eng))
	assert.Equal(t, 1, code)
	assert.Equal(t, 0, eng.Launches())
}

func TestRun_UnknownFlag(t *testing.T) {
	var out, errb bytes.Buffer
	code := run(context.Background(), []string{"--bogus"}, &out, &errb, scripted(cleanExit()))
	assert.Equal(t, 1, code)
	assert.Contains(t, errb.String(), "bogus")
}

func TestFlags_ApplyChangedOnly(t *testing.T) {
	var got *viper.Viper
	root := buildRoot(func(v *viper.Viper, _ []string) { got = v })
	root.SetArgs([]string{"-T", "-e", "--no-stop-at-entry", "--adapter", "dlv dap", "-t", "0.5", "prog"})
	require.NoError(t, root.Execute())
	require.NotNil(t, got)

	assert.Equal(t, false, got.Get("show_threads"))
	assert.Equal(t, false, got.Get("stop_on_error"))
	assert.Equal(t, false, got.Get("adapter.stop_at_entry"))
	assert.Equal(t, []string{"dlv", "dap"}, got.Get("adapter.command"))
	assert.Equal(t, 0.5, got.Get("event_timeout"))
	assert.False(t, got.IsSet("run_count"))
	assert.False(t, got.IsSet("verbose"))
}

func TestFlags_InferiorFlagsAfterExecutable(t *testing.T) {
	var positional []string
	root := buildRoot(func(_ *viper.Viper, args []string) { positional = args })
	root.SetArgs([]string{"-v", "prog", "-v", "--x"})
	require.NoError(t, root.Execute())
	assert.Equal(t, []string{"prog", "-v", "--x"}, positional)
}

func TestRun_StatusServerLogsOnce(t *testing.T) {
	var out, errb bytes.Buffer
	args := []string{"--log-level", "info", "--status-addr", "127.0.0.1:0", selfExe(t)}
	code := run(context.Background(), args, &out, &errb, scripted(cleanExit()))
	require.Equal(t, 0, code, errb.String())
	assert.Equal(t, 1, strings.Count(errb.String(), "status server listening"))
}

func TestFlags_VerboseHelp(t *testing.T) {
	root := buildRoot(func(*viper.Viper, []string) {})
	f := root.Flags().Lookup("verbose")
	require.NotNil(t, f)
	assert.Equal(t, "v", f.Shorthand)
	assert.Equal(t, "report resumed and stopped transitions", f.Usage)
}
