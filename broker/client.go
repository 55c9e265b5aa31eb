package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dsguardian/guardian/device"
	"github.com/dsguardian/guardian/metrics"
)

// StatePredicate decides whether an incoming state payload answers a wait.
// Predicates only ever see messages that matched the waiter's own topic
// filter.
type StatePredicate func(device.State) bool

// Client layers request/response semantics over a fire-and-forget Conn.
// All waits share the one session: incoming messages are demultiplexed to
// per-call waiters by topic filter and predicate, so concurrent calls on
// different devices never interfere and a slow caller cannot starve others.
type Client struct {
	conn   Conn
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[*waiter]struct{}
	subs    map[string]*subEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// waiter is one in-flight wait. Its channel has capacity one so the
// dispatch loop never blocks on delivery; extra matches are dropped once
// the first is buffered.
type waiter struct {
	filter string
	pred   StatePredicate
	ch     chan device.State
	sub    *subEntry
}

// subEntry ref-counts broker subscriptions so concurrent waiters on one
// filter share a single SUBSCRIBE. ready is closed once the subscribe
// round trip finishes; err records its outcome for everyone who joined.
type subEntry struct {
	filter string
	refs   int
	ready  chan struct{}
	err    error
}

// NewClient wraps conn. Call Start before issuing waits.
func NewClient(conn Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		logger:  logger.With("component", "broker"),
		waiters: make(map[*waiter]struct{}),
		subs:    make(map[string]*subEntry),
	}
}

// Start launches the dispatch loop that routes inbound messages to waiters.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.dispatchLoop(runCtx)
	return nil
}

// Stop halts dispatch. Pending waits fall through to their timeouts.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// PublishJSON encodes payload as compact JSON and publishes it at QoS 1.
func (c *Client) PublishJSON(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", topic, err)
	}
	if err := c.conn.Publish(ctx, topic, data, 1, false); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, topic, err)
	}
	metrics.BrokerPublishes.WithLabelValues(topic).Inc()
	return nil
}

// PublishNoWait is fire-and-forget: publish and return without expecting
// any echo.
func (c *Client) PublishNoWait(ctx context.Context, topic string, payload any) error {
	return c.PublishJSON(ctx, topic, payload)
}

// WaitForState subscribes to topic and returns the first incoming payload
// satisfying pred. It fails with ErrTimeout after timeout (DefaultWaitTimeout
// when zero) and tears down its subscription on every exit path, including
// caller cancellation.
func (c *Client) WaitForState(ctx context.Context, topic string, pred StatePredicate, timeout time.Duration) (device.State, error) {
	w, err := c.addWaiter(ctx, topic, pred)
	if err != nil {
		return device.State{}, err
	}
	defer c.removeWaiter(w)
	return c.await(ctx, w, timeout)
}

// PublishAndWait performs one command round trip: subscribe to stateTopic,
// then publish payload to setTopic, then wait for a state matching pred.
// Subscribing first is load-bearing: a fast echo published before the
// subscription is in place would be lost.
func (c *Client) PublishAndWait(ctx context.Context, setTopic string, payload any, stateTopic string, pred StatePredicate, timeout time.Duration) (device.State, error) {
	w, err := c.addWaiter(ctx, stateTopic, pred)
	if err != nil {
		return device.State{}, err
	}
	defer c.removeWaiter(w)

	if err := c.PublishJSON(ctx, setTopic, payload); err != nil {
		return device.State{}, err
	}
	return c.await(ctx, w, timeout)
}

func (c *Client) await(ctx context.Context, w *waiter, timeout time.Duration) (device.State, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case st := <-w.ch:
		metrics.BrokerWaitTime.WithLabelValues(w.filter).Observe(float64(time.Since(start)) / float64(time.Millisecond))
		return st, nil
	case <-timer.C:
		return device.State{}, fmt.Errorf("%w: no matching state on %s within %s", ErrTimeout, w.filter, timeout)
	case <-ctx.Done():
		return device.State{}, ctx.Err()
	}
}

// addWaiter registers a waiter and ensures a broker subscription covers its
// filter. The first waiter on a filter performs the SUBSCRIBE; later ones
// block until that round trip completes so nobody publishes into a window
// where the echo could be missed.
func (c *Client) addWaiter(ctx context.Context, filter string, pred StatePredicate) (*waiter, error) {
	w := &waiter{
		filter: filter,
		pred:   pred,
		ch:     make(chan device.State, 1),
	}

	c.mu.Lock()
	entry, ok := c.subs[filter]
	first := !ok
	if first {
		entry = &subEntry{filter: filter, ready: make(chan struct{})}
		c.subs[filter] = entry
	}
	entry.refs++
	w.sub = entry
	c.waiters[w] = struct{}{}
	c.mu.Unlock()

	if first {
		err := c.conn.Subscribe(ctx, filter, 1)
		c.mu.Lock()
		if err != nil {
			entry.err = fmt.Errorf("%w: subscribe %s: %v", ErrTransport, filter, err)
			if c.subs[filter] == entry {
				delete(c.subs, filter)
			}
		}
		close(entry.ready)
		c.mu.Unlock()
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		c.removeWaiter(w)
		return nil, ctx.Err()
	}
	if entry.err != nil {
		c.removeWaiter(w)
		return nil, entry.err
	}
	return w, nil
}

// ActiveWaiters reports the number of in-flight waits, for health
// introspection and tests.
func (c *Client) ActiveWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// removeWaiter drops a waiter and unsubscribes when it was the last one on
// its filter. Safe to call more than once.
func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	if _, ok := c.waiters[w]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.waiters, w)
	entry := w.sub
	entry.refs--
	last := entry.refs == 0
	if last && c.subs[entry.filter] == entry {
		delete(c.subs, entry.filter)
	}
	c.mu.Unlock()

	if last && entry.err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.conn.Unsubscribe(ctx, entry.filter); err != nil {
			c.logger.Warn("unsubscribe failed", "filter", entry.filter, "error", err)
		}
	}
}

func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.conn.Messages():
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg Message) {
	st, err := device.DecodeState(msg.Payload)
	if err != nil {
		c.logger.Debug("dropping undecodable message", "topic", msg.Topic, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for w := range c.waiters {
		if !MatchFilter(w.filter, msg.Topic) {
			continue
		}
		if !c.evalPredicate(w, st, msg.Topic) {
			continue
		}
		select {
		case w.ch <- st:
		default:
		}
	}
}

// evalPredicate shields the dispatch loop from panicking predicates.
func (c *Client) evalPredicate(w *waiter, st device.State, topic string) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("state predicate panicked", "topic", topic, "panic", r)
			matched = false
		}
	}()
	if w.pred == nil {
		return true
	}
	return w.pred(st)
}
