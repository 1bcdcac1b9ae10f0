package nats

import (
	"fmt"
	"strings"
	"time"
)

// Config for the NATS transport.
type Config struct {
	URL      string // nats://host:4222, comma separated for a cluster
	Name     string
	Username string
	Password string
	Token    string

	// SubjectPrefix scopes every topic as "<prefix>.<topic>".
	SubjectPrefix string

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxReconnects < 0 retries forever.
	MaxReconnects int
	FlushTimeout  time.Duration
	Compression   bool
}

func Defaults() Config {
	return Config{
		URL:            "nats://127.0.0.1:4222",
		Name:           "xbroker",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		FlushTimeout:   0,
		Compression:    true,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	for _, u := range strings.Split(c.URL, ",") {
		if !strings.Contains(u, "://") {
			return fmt.Errorf("config: url %q has no scheme", u)
		}
	}
	if strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("config: subject_prefix %q contains wildcard or space", c.SubjectPrefix)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be > 0, got %v", c.ConnectTimeout)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":             c.URL,
		"name":            c.Name,
		"username":        c.Username,
		"password":        c.Password,
		"token":           c.Token,
		"subject_prefix":  c.SubjectPrefix,
		"connect_timeout": c.ConnectTimeout,
		"reconnect_wait":  c.ReconnectWait,
		"max_reconnects":  c.MaxReconnects,
		"flush_timeout":   c.FlushTimeout,
		"compression":     c.Compression,
	}
}

// ConfigFromMap converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["name"].(string); ok && v != "" {
		c.Name = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["token"].(string); ok {
		c.Token = v
	}
	if v, ok := m["subject_prefix"].(string); ok {
		c.SubjectPrefix = v
	}
	if v, ok := m["max_reconnects"].(int); ok {
		c.MaxReconnects = v
	}
	if v, ok := m["compression"].(bool); ok {
		c.Compression = v
	}
	c.ConnectTimeout = durationOr(m["connect_timeout"], c.ConnectTimeout)
	c.ReconnectWait = durationOr(m["reconnect_wait"], c.ReconnectWait)
	c.FlushTimeout = durationOr(m["flush_timeout"], c.FlushTimeout)
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
