// Package report writes the operator transcript: every state transition,
// command output and failure as human readable lines on standard output.
package report

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level classifies a transcript line.
type Level string

const (
	LevelInfo   Level = "info"
	LevelWarn   Level = "warn"
	LevelError  Level = "error"
	// LevelOutput marks text written by the inferior itself.
	LevelOutput Level = "output"
)

// Line is one transcript entry.
type Line struct {
	Text  string    `json:"text"`
	Level Level     `json:"level"`
	At    time.Time `json:"at"`
}

// Reporter serialises transcript lines to its writers and observers.
// It is safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	out       io.Writer
	tees      []io.Writer
	log       *slog.Logger
	observers map[int]func(Line)
	nextID    int
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithTee mirrors every line to w, e.g. a rotating session log.
func WithTee(w io.Writer) Option {
	return func(r *Reporter) {
		if w != nil {
			r.tees = append(r.tees, w)
		}
	}
}

// WithLogger records warnings and errors on the diagnostic logger as well.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.log = l }
}

// New creates a reporter writing to out.
func New(out io.Writer, opts ...Option) *Reporter {
	r := &Reporter{out: out, observers: make(map[int]func(Line))}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Discard returns a reporter that drops everything; useful in tests.
func Discard() *Reporter { return New(io.Discard) }

func (r *Reporter) Printf(format string, args ...any) {
	r.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (r *Reporter) Println(text string) { r.emit(LevelInfo, text) }

// Warnf reports an operator visible warning.
func (r *Reporter) Warnf(format string, args ...any) {
	r.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf reports an operator visible failure.
func (r *Reporter) Errorf(format string, args ...any) {
	r.emit(LevelError, fmt.Sprintf(format, args...))
}

// Output writes inferior output unchanged, without adding a newline.
func (r *Reporter) Output(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(text)
	r.notify(Line{Text: text, Level: LevelOutput, At: time.Now()})
}

// Observe registers fn for every subsequent line and returns a func that
// removes it. fn runs synchronously and must not call back into r.
func (r *Reporter) Observe(fn func(Line)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Reporter) emit(level Level, text string) {
	line := Line{Text: text, Level: level, At: time.Now()}
	out := text
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.write(out)
	r.notify(line)
	if r.log != nil {
		switch level {
		case LevelWarn:
			r.log.Warn(strings.TrimSpace(text))
		case LevelError:
			r.log.Error(strings.TrimSpace(text))
		}
	}
}

func (r *Reporter) write(s string) {
	_, _ = io.WriteString(r.out, s)
	for _, w := range r.tees {
		_, _ = io.WriteString(w, s)
	}
}

func (r *Reporter) notify(l Line) {
	for _, fn := range r.observers {
		fn(l)
	}
}
