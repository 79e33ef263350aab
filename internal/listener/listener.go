// Package listener waits for process lifecycle events with a timeout.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/procevents/internal/engine"
	"github.com/loykin/procevents/internal/metrics"
)

var (
	// ErrTimeout is returned when no event arrives within the wait timeout.
	ErrTimeout = errors.New("timed out waiting for process event")
	// ErrClosed is returned once the subscription has ended.
	ErrClosed = errors.New("listener closed")
)

// Listener is a state-change subscription on one process broadcaster.
type Listener struct {
	sub  engine.Subscription
	once sync.Once
}

// New subscribes to state-change events of b. Other broadcast bits are not
// received.
func New(b engine.Broadcaster) *Listener {
	return &Listener{sub: b.Subscribe(engine.EventStateChanged)}
}

// WaitForEvent blocks until the next event, the timeout or ctx ends.
// A non-positive timeout waits without a deadline.
func (l *Listener) WaitForEvent(ctx context.Context, timeout time.Duration) (engine.Event, error) {
	start := time.Now()
	defer func() { metrics.ObserveEventWait(time.Since(start).Seconds()) }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev, ok := <-l.sub.Events():
		if !ok {
			return engine.Event{}, ErrClosed
		}
		return ev, nil
	case <-expired:
		return engine.Event{}, ErrTimeout
	case <-ctx.Done():
		return engine.Event{}, ctx.Err()
	}
}

// Close ends the subscription. It is safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(l.sub.Close)
}
