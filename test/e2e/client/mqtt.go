package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsguardian/guardian/broker"
)

// MQTTClient publishes raw device traffic for scenarios that drive the
// world from the broker side instead of the REST surface.
type MQTTClient struct {
	conn *broker.PahoConn
}

// NewMQTTClient dials the broker with a unique e2e client id.
func NewMQTTClient(ctx context.Context, url string) (*MQTTClient, error) {
	conn, err := broker.DialPaho(ctx, broker.PahoConfig{
		URL:            url,
		ClientID:       fmt.Sprintf("guardian-e2e-%d", time.Now().UnixNano()),
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &MQTTClient{conn: conn}, nil
}

// PublishJSON publishes one JSON object at QoS 1, not retained.
func (c *MQTTClient) PublishJSON(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := c.conn.Publish(ctx, topic, data, 1, false); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects the broker session.
func (c *MQTTClient) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
