package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// PahoConfig configures one MQTT session.
type PahoConfig struct {
	// URL is the broker address, e.g. mqtt://localhost:1883.
	URL string
	// ClientID must be unique per session on the broker.
	ClientID string
	Username string
	Password string
	// ConnectTimeout bounds the wait for the initial connection; zero
	// means 10 seconds.
	ConnectTimeout time.Duration
	// OnConnectionChange, when set, is called with true after each
	// successful (re)connect and false on every connection error.
	OnConnectionChange func(connected bool)
	Logger             *slog.Logger
}

// PahoConn is a Conn over an autopaho connection manager. autopaho does not
// resubscribe after a reconnect, so active filters are replayed from
// OnConnectionUp.
type PahoConn struct {
	cm     *autopaho.ConnectionManager
	logger *slog.Logger

	messages chan Message
	done     chan struct{}

	mu      sync.Mutex
	filters map[string]byte
}

// inboundBuffer absorbs bursts between the paho callback and the dispatch
// loop; a full buffer drops rather than stalling the broker session.
const inboundBuffer = 256

// DialPaho opens an MQTT session and waits for the initial connection.
// After the first connection is up, autopaho reconnects in the background
// and PahoConn restores its subscriptions.
func DialPaho(ctx context.Context, cfg PahoConfig) (*PahoConn, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url %q: %w", cfg.URL, err)
	}

	c := &PahoConn{
		logger:   cfg.Logger.With("client_id", cfg.ClientID),
		messages: make(chan Message, inboundBuffer),
		done:     make(chan struct{}),
		filters:  make(map[string]byte),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "url", cfg.URL)
			if cfg.OnConnectionChange != nil {
				cfg.OnConnectionChange(true)
			}
			c.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
			if cfg.OnConnectionChange != nil {
				cfg.OnConnectionChange(false)
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		msg := Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}
		select {
		case <-c.done:
		case c.messages <- msg:
		default:
			c.logger.Warn("mqtt inbound buffer full, dropping message", "topic", msg.Topic)
		}
		return true, nil
	})

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, fmt.Errorf("mqtt initial connection to %s: %w", cfg.URL, err)
	}
	return c, nil
}

// Publish sends one message and waits for the broker acknowledgement at the
// requested QoS.
func (c *PahoConn) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a topic filter. The filter is replayed after every
// reconnect until Unsubscribe is called.
func (c *PahoConn) Subscribe(ctx context.Context, filter string, qos byte) error {
	c.mu.Lock()
	c.filters[filter] = qos
	c.mu.Unlock()

	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	if err != nil {
		c.mu.Lock()
		delete(c.filters, filter)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Unsubscribe removes a topic filter.
func (c *PahoConn) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	delete(c.filters, filter)
	c.mu.Unlock()

	if _, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

// Messages returns the inbound message stream.
func (c *PahoConn) Messages() <-chan Message {
	return c.messages
}

// Close disconnects the session. Inbound messages still in flight are
// discarded.
func (c *PahoConn) Close(ctx context.Context) error {
	close(c.done)
	return c.cm.Disconnect(ctx)
}

func (c *PahoConn) resubscribe(cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	opts := make([]paho.SubscribeOptions, 0, len(c.filters))
	for filter, qos := range c.filters {
		opts = append(opts, paho.SubscribeOptions{Topic: filter, QoS: qos})
	}
	c.mu.Unlock()

	if len(opts) == 0 {
		return
	}
	subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt resubscribe failed", "filters", len(opts), "error", err)
	}
}
