// Package brokertest provides an in-memory pub/sub hub implementing
// broker.Conn for tests. Delivery is synchronous and serialized through the
// hub, so per-topic publish order is preserved exactly as a real broker
// session would.
package brokertest

import (
	"context"
	"sort"
	"sync"

	"github.com/dsguardian/guardian/broker"
)

// sessionBuffer is generous so tests only observe drops when they stall a
// consumer on purpose.
const sessionBuffer = 1024

// Broker is the hub. Connect as many sessions as the scenario needs; every
// publish fans out to all sessions with a matching filter, including the
// publisher's own.
type Broker struct {
	mu       sync.Mutex
	sessions map[*Conn]struct{}
	retained map[string][]byte
}

// New creates an empty hub.
func New() *Broker {
	return &Broker{
		sessions: make(map[*Conn]struct{}),
		retained: make(map[string][]byte),
	}
}

// Connect opens a new session.
func (b *Broker) Connect() *Conn {
	c := &Conn{
		hub:      b,
		subs:     make(map[string]byte),
		messages: make(chan broker.Message, sessionBuffer),
	}
	b.mu.Lock()
	b.sessions[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Broker) publish(topic string, payload []byte, retain bool) {
	data := make([]byte, len(payload))
	copy(data, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if retain {
		b.retained[topic] = data
	}
	for s := range b.sessions {
		s.deliver(topic, data)
	}
}

func (b *Broker) replayRetained(c *Conn, filter string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, payload := range b.retained {
		if broker.MatchFilter(filter, topic) {
			c.deliver(topic, payload)
		}
	}
}

func (b *Broker) drop(c *Conn) {
	b.mu.Lock()
	delete(b.sessions, c)
	b.mu.Unlock()
}

// Conn is one in-memory session.
type Conn struct {
	hub *Broker

	mu     sync.Mutex
	subs   map[string]byte
	closed bool

	messages chan broker.Message
}

var _ broker.Conn = (*Conn)(nil)

// Publish fans the message out to every matching session. QoS is ignored:
// in-memory delivery is exactly-once.
func (c *Conn) Publish(_ context.Context, topic string, payload []byte, _ byte, retain bool) error {
	c.hub.publish(topic, payload, retain)
	return nil
}

// Subscribe registers a filter and replays any retained messages it matches.
func (c *Conn) Subscribe(_ context.Context, filter string, qos byte) error {
	c.mu.Lock()
	c.subs[filter] = qos
	c.mu.Unlock()
	c.hub.replayRetained(c, filter)
	return nil
}

// Unsubscribe removes a filter.
func (c *Conn) Unsubscribe(_ context.Context, filter string) error {
	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()
	return nil
}

// Messages returns the session's inbound stream. The channel is closed by
// Close.
func (c *Conn) Messages() <-chan broker.Message {
	return c.messages
}

// Close detaches the session from the hub and closes its stream.
func (c *Conn) Close(context.Context) error {
	c.hub.drop(c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.messages)
	}
	return nil
}

// Subscriptions lists the session's active filters, sorted.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) deliver(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	matched := false
	for f := range c.subs {
		if broker.MatchFilter(f, topic) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	select {
	case c.messages <- broker.Message{Topic: topic, Payload: payload}:
	default:
	}
}
