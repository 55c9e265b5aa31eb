package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// QueueCapacity is each subscriber's queue depth. A full queue drops new
// events for that subscriber only.
const QueueCapacity = 500

// Bus fans events out to all current subscribers. Only subscriber
// registration is serialized; enqueues are non-blocking.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish enqueues ev for every subscriber with queue room. It never blocks
// and never fails.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				b.logger.Warn("slow subscriber, dropping events", "type", ev.Type, "total_dropped", n)
			}
		}
	}
}

// Subscribe registers a new subscriber. The caller must Close the
// subscription when done so the bus stops holding its queue.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, QueueCapacity),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to full queues since start.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscription is one subscriber's bounded stream.
type Subscription struct {
	bus *Bus
	ch  chan Event
}

// C returns the event stream. The channel is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its stream. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}
