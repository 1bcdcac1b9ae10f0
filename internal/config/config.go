// Package config loads broker settings from defaults, an optional YAML
// file, an optional .env file and the process environment, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport variants accepted in BROKER_TYPE.
const (
	BrokerPubSub = "PUBSUB"
	BrokerMQTT   = "MQTT"
	BrokerRedis  = "REDIS"
	BrokerNATS   = "NATS"
	BrokerMemory = "MEMORY"
)

// Config is the complete runtime configuration.
type Config struct {
	BrokerType        string        `yaml:"broker_type"`
	ReplyTimeout      time.Duration `yaml:"reply_timeout"`
	MaxPendingReplies int           `yaml:"max_pending_replies"`
	EventBuffer       int           `yaml:"event_buffer"`
	SenderID          string        `yaml:"sender_id"`

	Topics  TopicsConfig  `yaml:"topics"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	Logging LoggingConfig `yaml:"logging"`
}

// TopicsConfig names the topics the gateway consumes. Subscriptions are
// consumer groups on transports that have them.
type TopicsConfig struct {
	Replies                       string `yaml:"replies"`
	RepliesSubscription           string `yaml:"replies_subscription"`
	Events                        string `yaml:"events"`
	EventsSubscription            string `yaml:"events_subscription"`
	MaterializedViews             string `yaml:"materialized_views"`
	MaterializedViewsSubscription string `yaml:"materialized_views_subscription"`
}

type PubSubConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	EmulatorHost    string `yaml:"emulator_host"`
	AutoCreate      bool   `yaml:"auto_create"`
}

type MQTTConfig struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	DeadLetter string `yaml:"dead_letter"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func defaultConfig() *Config {
	return &Config{
		BrokerType:        BrokerPubSub,
		ReplyTimeout:      2000 * time.Millisecond,
		MaxPendingReplies: 10000,
		EventBuffer:       64,
		PubSub:            PubSubConfig{AutoCreate: true},
		MQTT:              MQTTConfig{URL: "tcp://localhost:1883"},
		Redis:             RedisConfig{Addr: "127.0.0.1:6379"},
		NATS:              NATSConfig{URL: "nats://127.0.0.1:4222"},
		Logging:           LoggingConfig{Level: "info"},
	}
}

// Load builds a Config. path names a YAML file; when empty XBROKER_CONFIG
// is consulted and a missing setting skips the file stage. Variables in
// the .env file (XBROKER_ENV_FILE, default ".env") apply only where the
// process environment does not define them.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("XBROKER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	envFile := os.Getenv("XBROKER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading env file: %w", err)
	}

	if err := applyEnvOverrides(cfg, lookupWith(dotenv)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(key string) string

// lookupWith prefers the process environment over fallback.
func lookupWith(fallback map[string]string) lookupFunc {
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fallback[key]
	}
}

func applyEnvOverrides(cfg *Config, env lookupFunc) error {
	if v := env("BROKER_TYPE"); v != "" {
		cfg.BrokerType = strings.ToUpper(v)
	}
	if v := env("XBROKER_SENDER_ID"); v != "" {
		cfg.SenderID = v
	}

	// Topics
	if v := env("GATEWAY_REPLIES_TOPIC"); v != "" {
		cfg.Topics.Replies = v
	}
	if v := env("GATEWAY_REPLIES_TOPIC_SUBSCRIPTION"); v != "" {
		cfg.Topics.RepliesSubscription = v
	}
	if v := env("GATEWAY_EVENTS_TOPIC"); v != "" {
		cfg.Topics.Events = v
	}
	if v := env("GATEWAY_EVENTS_TOPIC_SUBSCRIPTION"); v != "" {
		cfg.Topics.EventsSubscription = v
	}
	if v := env("GATEWAY_MATERIALIZED_VIEW_UPDATES_TOPIC"); v != "" {
		cfg.Topics.MaterializedViews = v
	}
	if v := env("GATEWAY_MATERIALIZED_VIEW_UPDATES_TOPIC_SUBSCRIPTION"); v != "" {
		cfg.Topics.MaterializedViewsSubscription = v
	}

	// Pub/Sub; the project id doubles as the MQTT topic prefix
	if v := env("GCLOUD_PROJECT_ID"); v != "" {
		cfg.PubSub.ProjectID = v
	}
	if v := env("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		cfg.PubSub.CredentialsFile = v
	}
	if v := env("PUBSUB_EMULATOR_HOST"); v != "" {
		cfg.PubSub.EmulatorHost = v
	}

	// MQTT
	if v := env("MQTT_SERVER_URL"); v != "" {
		cfg.MQTT.URL = v
	}
	if v := env("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := env("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// Redis
	if v := env("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// NATS
	if v := env("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// Reply handling
	if v := env("REPLY_TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPLY_TIMEOUT must be milliseconds: %w", err)
		}
		cfg.ReplyTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := env("MAX_PENDING_REPLIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_PENDING_REPLIES: %w", err)
		}
		cfg.MaxPendingReplies = n
	}

	// Logging
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := env("LOG_CONSOLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_CONSOLE: %w", err)
		}
		cfg.Logging.Console = b
	}
	return nil
}

// Validate checks the settings the selected transport depends on.
func (c *Config) Validate() error {
	switch c.BrokerType {
	case BrokerPubSub:
		if c.PubSub.ProjectID == "" {
			return errors.New("GCLOUD_PROJECT_ID is required for PUBSUB")
		}
	case BrokerMQTT:
		if c.MQTT.URL == "" {
			return errors.New("MQTT_SERVER_URL is required for MQTT")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0..2, got %d", c.MQTT.QoS)
		}
	case BrokerRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required for REDIS")
		}
	case BrokerNATS:
		if c.NATS.URL == "" {
			return errors.New("NATS_URL is required for NATS")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("unknown BROKER_TYPE %q", c.BrokerType)
	}

	if c.Topics.Replies == "" {
		return errors.New("GATEWAY_REPLIES_TOPIC is required")
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("reply timeout must be > 0, got %v", c.ReplyTimeout)
	}
	if c.MaxPendingReplies < 1 {
		return fmt.Errorf("max pending replies must be >= 1, got %d", c.MaxPendingReplies)
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event buffer must be >= 1, got %d", c.EventBuffer)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
