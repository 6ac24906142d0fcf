// Package broker is the sole MQTT client in Sentinel (C3). It owns the
// connection to the broker, exposes a bounded channel of inbound
// messages for C5/C8 to drain, and is the only package that calls
// Publish — every outbound command flows through the Command Dispatcher
// (C7), which in turn calls this package.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Message is a single inbound MQTT publish, decoupled from the paho
// wire type so downstream packages don't import paho directly.
type Message struct {
	Topic   string
	Payload []byte
}

// Config parameterizes the broker client.
type Config struct {
	URL           string
	ClientID      string
	Username      string
	Password      string
	QueueDepth    int
	PublishDeadline time.Duration
	DrainDeadline   time.Duration
}

// Client wraps an autopaho connection manager.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
	inbound chan Message
}

// New creates a Client. Connect must be called before Publish or
// Subscribe are used.
func New(cfg Config, logger *slog.Logger) *Client {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1024
	}
	if cfg.PublishDeadline <= 0 {
		cfg.PublishDeadline = 5 * time.Second
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan Message, depth),
	}
}

// Inbound returns the channel of messages received on subscribed topics.
// Callers must drain it; a full channel causes new messages to be
// dropped with a logged warning rather than blocking the MQTT client's
// receive loop.
func (c *Client) Inbound() <-chan Message { return c.inbound }

// Connect establishes the broker connection and registers the topic
// filters that should be routed to Inbound. It returns once the initial
// connection attempt completes (successfully or not); autopaho continues
// retrying with bounded backoff in the background thereafter.
func (c *Client) Connect(ctx context.Context, topics ...string) error {
	brokerURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parsing broker url: %w", err)
	}

	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("broker connected", "url", c.cfg.URL)
			if len(subs) == 0 {
				return
			}
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: subs}); err != nil {
				c.logger.Error("broker subscribe failed", "error", err, "topics", topics)
			} else {
				c.logger.Info("broker subscribed", "topics", topics)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("broker connection attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	c.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		msg := Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}
		select {
		case c.inbound <- msg:
		default:
			c.logger.Warn("broker inbound queue full, dropping message", "topic", msg.Topic)
		}
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("broker initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Publish sends a message at QoS 1, bounded by the configured publish
// deadline. It is used exclusively by the Command Dispatcher (C7).
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, payload, false)
}

// PublishRetained is Publish with the broker-level retain flag set, used
// for the provisioning config topic so a device that reconnects later
// still receives its last assignment.
func (c *Client) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return c.publish(ctx, topic, payload, true)
}

func (c *Client) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if c.cm == nil {
		return fmt.Errorf("broker: not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishDeadline)
	defer cancel()

	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Shutdown disconnects gracefully, waiting up to the configured drain
// deadline.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DrainDeadline)
	defer cancel()
	return c.cm.Disconnect(ctx)
}
