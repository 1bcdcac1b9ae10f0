package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the loader at an empty directory so a developer's .env
// or XBROKER_CONFIG does not leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XBROKER_CONFIG", "")
	t.Setenv("XBROKER_ENV_FILE", filepath.Join(dir, "missing.env"))
	for _, k := range []string{
		"BROKER_TYPE", "GCLOUD_PROJECT_ID", "MQTT_SERVER_URL", "REDIS_ADDR",
		"NATS_URL", "GATEWAY_REPLIES_TOPIC", "REPLY_TIMEOUT", "MAX_PENDING_REPLIES",
		"LOG_LEVEL", "LOG_CONSOLE", "PUBSUB_EMULATOR_HOST",
	} {
		unsetenv(t, k)
	}
	return dir
}

func unsetenv(t *testing.T, key string) {
	t.Helper()
	if prev, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, prev) })
	}
	_ = os.Unsetenv(key)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_DefaultsWithEnv(t *testing.T) {
	isolate(t)
	t.Setenv("BROKER_TYPE", "memory")
	t.Setenv("GATEWAY_REPLIES_TOPIC", "replies")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BrokerMemory, cfg.BrokerType)
	assert.Equal(t, 2*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, 10000, cfg.MaxPendingReplies)
	assert.Equal(t, 64, cfg.EventBuffer)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.URL)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "xbroker.yaml", `
broker_type: MQTT
reply_timeout: 500ms
topics:
  replies: gw-replies
  events: gw-events
mqtt:
  url: ssl://broker:8883
  qos: 1
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BrokerMQTT, cfg.BrokerType)
	assert.Equal(t, 500*time.Millisecond, cfg.ReplyTimeout)
	assert.Equal(t, "gw-replies", cfg.Topics.Replies)
	assert.Equal(t, "gw-events", cfg.Topics.Events)
	assert.Equal(t, "ssl://broker:8883", cfg.MQTT.URL)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "xbroker.yaml", `
broker_type: REDIS
topics:
  replies: from-yaml
redis:
  addr: yaml:6379
`)
	envFile := writeFile(t, dir, "test.env", `
GATEWAY_REPLIES_TOPIC=from-dotenv
REDIS_ADDR=dotenv:6379
REPLY_TIMEOUT=750
`)
	t.Setenv("XBROKER_ENV_FILE", envFile)
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BrokerRedis, cfg.BrokerType, "yaml over defaults")
	assert.Equal(t, "from-dotenv", cfg.Topics.Replies, ".env over yaml")
	assert.Equal(t, 750*time.Millisecond, cfg.ReplyTimeout)
	assert.Equal(t, "env:6379", cfg.Redis.Addr, "process env over .env")

	_, set := os.LookupEnv("GATEWAY_REPLIES_TOPIC")
	assert.False(t, set, ".env does not leak into the process environment")
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "c.yaml", "broker_type: NATS\ntopics:\n  replies: r\n")
	t.Setenv("XBROKER_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BrokerNATS, cfg.BrokerType)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestLoad_Errors(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err, "missing file")

	bad := writeFile(t, dir, "bad.yaml", "invalid: [yaml: content")
	_, err = Load(bad)
	assert.Error(t, err, "invalid yaml")

	t.Setenv("BROKER_TYPE", "MEMORY")
	t.Setenv("GATEWAY_REPLIES_TOPIC", "r")
	t.Setenv("REPLY_TIMEOUT", "2s")
	_, err = Load("")
	assert.ErrorContains(t, err, "REPLY_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"pubsub needs project", func(c *Config) {}, "GCLOUD_PROJECT_ID"},
		{"replies topic required", func(c *Config) {
			c.BrokerType = BrokerMemory
			c.Topics.Replies = ""
		}, "GATEWAY_REPLIES_TOPIC"},
		{"unknown broker", func(c *Config) { c.BrokerType = "KAFKA" }, "unknown BROKER_TYPE"},
		{"bad qos", func(c *Config) {
			c.BrokerType = BrokerMQTT
			c.MQTT.QoS = 3
		}, "qos"},
		{"zero pending bound", func(c *Config) {
			c.BrokerType = BrokerMemory
			c.MaxPendingReplies = 0
		}, "max pending"},
		{"bad log level", func(c *Config) {
			c.BrokerType = BrokerMemory
			c.Logging.Level = "loud"
		}, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Topics.Replies = "replies"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
