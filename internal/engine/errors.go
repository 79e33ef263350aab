package engine

import "errors"

var (
	// ErrExecutableNotFound is returned when the target executable does not exist
	// or is not executable.
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrUnsupportedArch is returned when the engine cannot debug the requested architecture.
	ErrUnsupportedArch = errors.New("unsupported architecture")

	// ErrInvalidBreakpoint is returned for breakpoint specs the engine cannot parse.
	ErrInvalidBreakpoint = errors.New("invalid breakpoint")

	// ErrNoSession is returned when a request needs a live debug session.
	ErrNoSession = errors.New("no active debug session")

	// ErrProcessGone is returned by operations on a process that already terminated.
	ErrProcessGone = errors.New("process has terminated")
)

// knownArchs lists architecture names accepted as the first component of an
// arch string or target triple.
var knownArchs = map[string]bool{
	"x86_64": true, "x86_64h": true, "amd64": true,
	"i386": true, "i686": true, "x86": true,
	"arm64": true, "arm64e": true, "aarch64": true,
	"arm": true, "armv7": true, "armv7k": true, "armv7s": true, "thumbv7": true,
	"riscv64": true, "ppc64le": true, "s390x": true, "wasm32": true,
}

// ValidArch reports whether arch is empty (host default) or names a known
// architecture, optionally as a target triple such as x86_64-apple-macosx.
func ValidArch(arch string) bool {
	if arch == "" {
		return true
	}
	head := arch
	for i := 0; i < len(arch); i++ {
		if arch[i] == '-' {
			head = arch[:i]
			break
		}
	}
	return knownArchs[head]
}
