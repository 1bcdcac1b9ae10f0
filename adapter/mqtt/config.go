package mqtt

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config for the MQTT transport.
type Config struct {
	// Connection
	URL      string // tcp://host:1883, ssl://host:8883
	ClientID string
	Username string
	Password string

	// TopicPrefix scopes every topic as "<prefix>/<topic>" on the wire.
	TopicPrefix string
	QoS         byte

	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	KeepAlive            time.Duration
	MaxReconnectInterval time.Duration
}

// Defaults returns a Config with the values used when a key is absent.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xbroker"
	}
	return Config{
		URL:                  "tcp://localhost:1883",
		ClientID:             fmt.Sprintf("xbroker-%s-%d", hostname, os.Getpid()),
		QoS:                  0,
		ConnectTimeout:       10 * time.Second,
		PublishTimeout:       5 * time.Second,
		KeepAlive:            60 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("config: unsupported url scheme %q", u.Scheme)
	}
	if c.ClientID == "" {
		return fmt.Errorf("config: client_id required")
	}
	if c.QoS > maxQoS {
		return fmt.Errorf("config: qos must be 0..2, got %d", c.QoS)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("config: publish_timeout must be > 0, got %v", c.PublishTimeout)
	}
	return nil
}

func (c Config) secure() bool {
	u, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":                    c.URL,
		"client_id":              c.ClientID,
		"username":               c.Username,
		"password":               c.Password,
		"topic_prefix":           c.TopicPrefix,
		"qos":                    int(c.QoS),
		"connect_timeout":        c.ConnectTimeout,
		"publish_timeout":        c.PublishTimeout,
		"keep_alive":             c.KeepAlive,
		"max_reconnect_interval": c.MaxReconnectInterval,
	}
}

// ConfigFromMap converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["client_id"].(string); ok && v != "" {
		c.ClientID = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["topic_prefix"].(string); ok {
		c.TopicPrefix = v
	}
	if v, ok := m["qos"].(int); ok && v >= 0 {
		c.QoS = byte(v)
	}
	c.ConnectTimeout = durationOr(m["connect_timeout"], c.ConnectTimeout)
	c.PublishTimeout = durationOr(m["publish_timeout"], c.PublishTimeout)
	c.KeepAlive = durationOr(m["keep_alive"], c.KeepAlive)
	c.MaxReconnectInterval = durationOr(m["max_reconnect_interval"], c.MaxReconnectInterval)
	return c
}

func durationOr(v any, d time.Duration) time.Duration {
	switch x := v.(type) {
	case time.Duration:
		if x > 0 {
			return x
		}
	case string:
		if p, err := time.ParseDuration(x); err == nil && p > 0 {
			return p
		}
	}
	return d
}
