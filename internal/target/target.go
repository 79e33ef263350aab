// Package target creates debug targets and installs breakpoints on them.
package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/report"
)

// ErrTargetCreation wraps every reason a target could not be created.
var ErrTargetCreation = errors.New("target creation failed")

// Factory builds targets through an engine.
type Factory struct {
	eng engine.Engine
	rep *report.Reporter
	log *slog.Logger
}

func NewFactory(eng engine.Engine, rep *report.Reporter, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{eng: eng, rep: rep, log: log}
}

// Create resolves executable and asks the engine for a target. Bare names
// are looked up in PATH.
func (f *Factory) Create(ctx context.Context, executable, arch string) (engine.Target, error) {
	f.rep.Printf("Creating a target for '%s'", executable)
	path, err := resolve(executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetCreation, err)
	}
	if !engine.ValidArch(arch) {
		return nil, fmt.Errorf("%w: %w: %s", ErrTargetCreation, engine.ErrUnsupportedArch, arch)
	}
	t, err := f.eng.CreateTarget(ctx, path, arch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetCreation, err)
	}
	f.log.Info("target created", "executable", path, "arch", arch)
	return t, nil
}

func resolve(executable string) (string, error) {
	if executable == "" {
		return "", engine.ErrExecutableNotFound
	}
	if !strings.ContainsRune(executable, filepath.Separator) {
		p, err := exec.LookPath(executable)
		if err != nil {
			return "", fmt.Errorf("%w: %s", engine.ErrExecutableNotFound, executable)
		}
		return p, nil
	}
	abs, err := filepath.Abs(executable)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrExecutableNotFound, err)
	}
	fi, err := os.Stat(abs)
	if err != nil || fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s", engine.ErrExecutableNotFound, executable)
	}
	return abs, nil
}

// InstallBreakpoints forwards each spec to the target. A spec the engine
// rejects is reported and skipped; a spec without locations only warns.
func (f *Factory) InstallBreakpoints(ctx context.Context, t engine.Target, specs []string) []engine.Breakpoint {
	if len(specs) == 0 {
		return nil
	}
	bps := make([]engine.Breakpoint, 0, len(specs))
	for _, spec := range specs {
		bp, err := t.SetBreakpoint(ctx, spec)
		if err != nil {
			f.rep.Errorf("error: breakpoint '%s': %v", spec, err)
			continue
		}
		if bp.Locations == 0 {
			f.rep.Warnf("warning: breakpoint %d '%s' has no locations", bp.ID, spec)
		}
		bps = append(bps, bp)
	}
	f.rep.Println(FormatBreakpoints(t.Breakpoints()))
	return bps
}

// FormatBreakpoints renders breakpoints the way "breakpoint list" does.
func FormatBreakpoints(bps []engine.Breakpoint) string {
	if len(bps) == 0 {
		return "No breakpoints currently set."
	}
	var b strings.Builder
	b.WriteString("Current breakpoints:")
	for _, bp := range bps {
		b.WriteString("\n")
		switch bp.Kind {
		case engine.BreakpointFileLine:
			fmt.Fprintf(&b, "%d: file = '%s', line = %d", bp.ID, bp.File, bp.Line)
		case engine.BreakpointAddress:
			fmt.Fprintf(&b, "%d: address = %#x", bp.ID, bp.Address)
		default:
			fmt.Fprintf(&b, "%d: name = '%s'", bp.ID, bp.Name)
		}
		if bp.Pending() {
			b.WriteString(", locations = pending")
		} else {
			fmt.Fprintf(&b, ", locations = %d", bp.Locations)
		}
	}
	return b.String()
}
