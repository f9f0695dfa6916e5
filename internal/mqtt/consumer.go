// Package mqtt subscribes to the observer report topic and feeds raw
// deliveries to the ingest pipeline. QoS 0 throughout: durability comes
// from the ndjson archive, not from broker acknowledgements.
package mqtt

import (
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/meshrank/meshrank/internal/ingest"
	"go.uber.org/zap"
)

type Consumer struct {
	client    paho.Client
	topic     string
	logger    *zap.Logger
	connected atomic.Bool
	reports   chan<- ingest.Inbound
	dropped   atomic.Int64
}

// NewConsumer builds the client. Reconnection is periodic with the given
// interval and preserves all in-memory derived state; on every (re)connect
// the subscription is re-established.
func NewConsumer(url, topic, username, password, clientID string, reconnectInterval time.Duration, reports chan<- ingest.Inbound, logger *zap.Logger) *Consumer {
	c := &Consumer{
		topic:   topic,
		logger:  logger,
		reports: reports,
	}

	opts := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectInterval).
		SetCleanSession(true).
		SetOrderMatters(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(c.topic, 0, c.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("subscribe failed", zap.String("topic", c.topic), zap.Error(err))
			return
		}
		c.connected.Store(true)
		c.logger.Info("subscribed", zap.String("topic", c.topic))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.connected.Store(false)
		c.logger.Warn("connection lost, reconnecting", zap.Error(err))
	})

	c.client = paho.NewClient(opts)
	return c
}

func (c *Consumer) handleMessage(_ paho.Client, msg paho.Message) {
	select {
	case c.reports <- ingest.Inbound{Topic: msg.Topic(), Payload: msg.Payload()}:
	default:
		// Ingest is saturated. QoS 0 has no redelivery, so the only
		// options are blocking the paho router or dropping; drop and
		// count.
		if n := c.dropped.Add(1); n%100 == 1 {
			c.logger.Warn("ingest channel full, dropping report", zap.Int64("dropped_total", n))
		}
	}
}

// Start initiates the first connect. The paho client keeps retrying in the
// background, so a broker that is down at startup is not fatal.
func (c *Consumer) Start() error {
	token := c.client.Connect()
	if token.WaitTimeout(10 * time.Second) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	}
	return nil
}

// IsConnected reports whether the subscription is live, for readiness.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnectionOpen()
}

func (c *Consumer) Close() {
	c.connected.Store(false)
	c.client.Disconnect(250)
}
