// Package broker provides the MQTT transport layer: a minimal connection
// interface, a paho-backed implementation with automatic reconnect, and a
// request/response client that correlates published commands with the state
// echoes devices publish back.
package broker

import (
	"context"
	"errors"
	"time"
)

// DefaultWaitTimeout bounds a state wait when the caller passes no timeout.
const DefaultWaitTimeout = 2 * time.Second

// ErrTimeout is returned when no matching state arrives inside the wait
// window.
var ErrTimeout = errors.New("timed out waiting for state")

// ErrTransport is returned when the broker connection fails an operation.
var ErrTransport = errors.New("broker transport error")

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is the minimal pub/sub transport the client builds on.
// Implementations must deliver inbound messages on Messages in per-topic
// publish order and must tolerate Subscribe/Unsubscribe from any goroutine.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Unsubscribe(ctx context.Context, filter string) error
	Messages() <-chan Message
	Close(ctx context.Context) error
}
