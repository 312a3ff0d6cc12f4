// Package mqtt publishes engine telemetry so downstream consumers can watch
// predictions, session transitions and sweeps without polling the API.
// Disabled by default; every publish is a no-op until enabled and connected.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/merchsense/merchsense/pkg/evictor"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/predictor"
)

// Client publishes merchsense events to an MQTT broker
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   bool
	lastPublish time.Time
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker" yaml:"broker"`
	Port        int    `json:"port" yaml:"port"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `json:"qos" yaml:"qos"`
	Retain      bool   `json:"retain" yaml:"retain"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "merchsensed",
		TopicPrefix: "merchsense",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: config,
	}
}

// Connect establishes the broker connection. Disabled clients return nil
// immediately.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	c.logger.Info("mqtt client connected",
		"broker", c.config.Broker,
		"port", c.config.Port)

	return nil
}

// Disconnect closes the broker connection
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected = true
	c.logger.Info("mqtt connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected = false
	c.logger.Error("mqtt connection lost", "error", err)
}

// PublishPrediction publishes one served prediction
func (c *Client) PublishPrediction(ev predictor.PredictionEvent) error {
	if !c.ready() {
		return nil
	}
	topic := fmt.Sprintf("%s/predictions", c.config.TopicPrefix)
	return c.publishJSON(topic, ev)
}

// PublishSessionEvent publishes one session lifecycle transition
func (c *Client) PublishSessionEvent(ev predictor.SessionEvent) error {
	if !c.ready() {
		return nil
	}
	topic := fmt.Sprintf("%s/sessions/%s", c.config.TopicPrefix, ev.SessionID)
	return c.publishJSON(topic, ev)
}

// PublishSweep publishes the result of one eviction sweep
func (c *Client) PublishSweep(res evictor.Result) error {
	if !c.ready() {
		return nil
	}
	topic := fmt.Sprintf("%s/sweeps", c.config.TopicPrefix)
	payload := map[string]interface{}{
		"timestamp":         time.Now(),
		"terminals_removed": res.TerminalsRemoved,
		"locations_removed": res.LocationsRemoved,
		"sessions_expired":  res.SessionsExpired,
	}
	return c.publishJSON(topic, payload)
}

// PublishStatistics publishes a cache statistics snapshot
func (c *Client) PublishStatistics(stats predictor.Statistics) error {
	if !c.ready() {
		return nil
	}
	topic := fmt.Sprintf("%s/statistics", c.config.TopicPrefix)
	return c.publishJSON(topic, stats)
}

func (c *Client) ready() bool {
	return c.config.Enabled && c.connected
}

// publishJSON publishes a JSON payload to a topic
func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}

	c.lastPublish = time.Now()
	c.logger.Debug("mqtt message published", "topic", topic, "size", len(data))

	return nil
}

// IsConnected reports whether the client holds a live broker connection
func (c *Client) IsConnected() bool {
	return c.connected && c.client != nil && c.client.IsConnected()
}

// LastPublish returns when the client last published successfully
func (c *Client) LastPublish() time.Time {
	return c.lastPublish
}
