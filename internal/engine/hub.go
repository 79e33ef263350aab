package engine

import "sync"

// DefaultSubscriptionDepth bounds each subscription channel.
const DefaultSubscriptionDepth = 64

// backlogLimit caps events held for kinds nobody has subscribed to yet.
// The oldest are dropped past it.
const backlogLimit = 1024

// Hub is a Broadcaster that fans events out to subscribers in publish order.
// Publish blocks while a matching subscriber's channel is full; events are
// never dropped or coalesced. Events of a kind published before anyone
// subscribed to that kind are held and handed to the first subscriber whose
// mask covers it, since engines start broadcasting while a launch is still
// returning.
type Hub struct {
	mu      sync.Mutex
	depth   int
	subs    map[*hubSub]struct{}
	backlog []Event
	primed  EventMask
	closed  bool
}

// NewHub creates a hub whose subscriptions buffer depth events.
func NewHub(depth int) *Hub {
	if depth <= 0 {
		depth = DefaultSubscriptionDepth
	}
	return &Hub{depth: depth, subs: make(map[*hubSub]struct{})}
}

type hubSub struct {
	hub      *Hub
	mask     EventMask
	ch       chan Event
	done     chan struct{}
	inflight sync.WaitGroup
	once     sync.Once
}

func (s *hubSub) Events() <-chan Event { return s.ch }

func (s *hubSub) Close() { s.shutdown() }

// shutdown unblocks pending deliveries, waits for them and closes the channel.
func (s *hubSub) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		s.inflight.Wait()
		close(s.ch)
	})
}

func (s *hubSub) deliver(ev Event) {
	s.hub.mu.Lock()
	_, live := s.hub.subs[s]
	if live {
		s.inflight.Add(1)
	}
	s.hub.mu.Unlock()
	if !live {
		return
	}
	defer s.inflight.Done()
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Subscribe registers a subscription for the given mask. Subscribing to a
// closed hub returns an already closed subscription.
func (h *Hub) Subscribe(mask EventMask) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	var held []Event
	if fresh := mask &^ h.primed; fresh != 0 {
		h.primed |= fresh
		var keep []Event
		for _, ev := range h.backlog {
			if fresh&ev.Kind != 0 {
				held = append(held, ev)
			} else {
				keep = append(keep, ev)
			}
		}
		h.backlog = keep
	}
	s := &hubSub{hub: h, mask: mask, ch: make(chan Event, max(h.depth, len(held))), done: make(chan struct{})}
	for _, ev := range held {
		s.ch <- ev
	}
	if h.closed {
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber whose mask matches ev.Kind.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.primed&ev.Kind == 0 {
		if len(h.backlog) >= backlogLimit {
			h.backlog = h.backlog[1:]
		}
		h.backlog = append(h.backlog, ev)
		h.mu.Unlock()
		return
	}
	targets := make([]*hubSub, 0, len(h.subs))
	for s := range h.subs {
		if s.mask&ev.Kind != 0 {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}

// Close ends all subscriptions. Further publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*hubSub, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}
}
