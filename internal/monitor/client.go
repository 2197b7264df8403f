// Package monitor streams run snapshots and delegation events over MQTT so
// external dashboards can follow a run without touching the state database.
package monitor

import (
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ShayCichocki/loom/internal/config"
)

const opTimeout = 10 * time.Second

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Client wraps the Paho MQTT client.
type Client struct {
	client paho.Client
	broker string
	qos    byte
	mu     sync.Mutex
}

// NewClient creates a client for cfg.Broker but does not connect.
func NewClient(cfg config.MQTTConfig) *Client {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return &Client{
		client: paho.NewClient(opts),
		broker: cfg.Broker,
		qos:    byte(cfg.QoS),
	}
}

// Connect connects to the broker, giving up after a fixed timeout.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "connect", Target: c.broker}
	}
	return token.Error()
}

// Publish sends a retained message so late subscribers see the latest state.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, true, payload)
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "publish", Target: topic}
	}
	return token.Error()
}

// Subscribe registers handler for topic, which may contain wildcards.
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, handler)
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "subscribe", Target: topic}
	}
	return token.Error()
}

// Disconnect waits up to a second for in-flight work, then disconnects.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.Disconnect(1000)
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// TimeoutError indicates a broker operation did not complete in time.
type TimeoutError struct {
	Op     string
	Target string
}

func (e *TimeoutError) Error() string {
	return "mqtt " + e.Op + " timeout: " + e.Target
}

// Dial creates and connects a client. Connection failures are logged and
// reported as a nil client, so callers can run without a monitor.
func Dial(cfg config.MQTTConfig) *Client {
	if cfg.Broker == "" {
		return nil
	}
	c := NewClient(cfg)
	if err := c.Connect(); err != nil {
		log.Printf("[monitor] warning: connect to %s: %v", cfg.Broker, err)
		return nil
	}
	return c
}
