package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LocationsPending marks a breakpoint that the engine resolves at launch.
const LocationsPending = -1

// BreakpointKind classifies a breakpoint specification.
type BreakpointKind string

const (
	BreakpointName     BreakpointKind = "name"
	BreakpointFileLine BreakpointKind = "file-line"
	BreakpointAddress  BreakpointKind = "address"
)

// Breakpoint is a specification owned by a target and the engine's view
// of how many locations it resolved to.
type Breakpoint struct {
	ID        int
	Spec      string
	Kind      BreakpointKind
	Name      string
	File      string
	Line      int
	Address   uint64
	Locations int
}

// Pending reports whether resolution is deferred to launch time.
func (b Breakpoint) Pending() bool { return b.Locations == LocationsPending }

var fileLineRe = regexp.MustCompile(`^(.+?):([0-9]+)(?::[0-9]+)?$`)

// ParseBreakpointSpec accepts the forms understood by lldb's _regexp-break
// for names, file:line[:column] and hexadecimal addresses.
func ParseBreakpointSpec(spec string) (Breakpoint, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return Breakpoint{}, fmt.Errorf("%w: empty breakpoint spec", ErrInvalidBreakpoint)
	}
	bp := Breakpoint{Spec: spec, Locations: LocationsPending}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		addr, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return Breakpoint{}, fmt.Errorf("%w: bad address %q", ErrInvalidBreakpoint, s)
		}
		bp.Kind = BreakpointAddress
		bp.Address = addr
		return bp, nil
	}
	if m := fileLineRe.FindStringSubmatch(s); m != nil {
		line, err := strconv.Atoi(m[2])
		if err != nil || line <= 0 {
			return Breakpoint{}, fmt.Errorf("%w: bad line in %q", ErrInvalidBreakpoint, s)
		}
		bp.Kind = BreakpointFileLine
		bp.File = m[1]
		bp.Line = line
		return bp, nil
	}
	if strings.ContainsAny(s, " \t") {
		return Breakpoint{}, fmt.Errorf("%w: %q", ErrInvalidBreakpoint, s)
	}
	bp.Kind = BreakpointName
	bp.Name = s
	return bp, nil
}
