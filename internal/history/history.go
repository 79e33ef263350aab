package history

import (
	"context"
	"io"
	"time"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventLaunch       EventType = "launch"
	EventLaunchFailed EventType = "launch_failed"
	EventFinish       EventType = "finish"
)

// Record describes one iteration of a debug session.
type Record struct {
	SessionID  string `json:"session_id"`
	Executable string `json:"executable"`
	Arch       string `json:"arch,omitempty"`
	Iteration  int    `json:"iteration"`
	PID        int    `json:"pid"`
	Outcome    string `json:"outcome,omitempty"`
	StopCount  int    `json:"stop_count"`
	ExitStatus int    `json:"exit_status"`
	Error      string `json:"error,omitempty"`
}

// Event represents a run event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Close closes s when it holds resources.
func Close(s Sink) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
