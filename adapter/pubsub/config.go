package pubsub

import (
	"fmt"
	"time"
)

// Config for the Google Cloud Pub/Sub transport.
type Config struct {
	ProjectID string
	// CredentialsFile is a service account JSON path. Empty uses ADC.
	CredentialsFile string
	// EmulatorHost connects without TLS or auth (host:port of an emulator).
	EmulatorHost string

	// AutoCreate creates missing topics and subscriptions.
	AutoCreate  bool
	AckDeadline time.Duration

	// Receive flow control.
	MaxOutstandingMessages int
	NumGoroutines          int
}

func Defaults() Config {
	return Config{
		AutoCreate:             true,
		AckDeadline:            10 * time.Second,
		MaxOutstandingMessages: 1000,
		NumGoroutines:          1,
	}
}

func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("config: project_id required")
	}
	if c.AckDeadline < 10*time.Second || c.AckDeadline > 600*time.Second {
		return fmt.Errorf("config: ack_deadline must be within 10s..600s, got %v", c.AckDeadline)
	}
	if c.NumGoroutines < 1 {
		return fmt.Errorf("config: num_goroutines must be >= 1, got %d", c.NumGoroutines)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"project_id":               c.ProjectID,
		"credentials_file":         c.CredentialsFile,
		"emulator_host":            c.EmulatorHost,
		"auto_create":              c.AutoCreate,
		"ack_deadline":             c.AckDeadline,
		"max_outstanding_messages": c.MaxOutstandingMessages,
		"num_goroutines":           c.NumGoroutines,
	}
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["project_id"].(string); ok {
		c.ProjectID = v
	}
	if v, ok := m["credentials_file"].(string); ok {
		c.CredentialsFile = v
	}
	if v, ok := m["emulator_host"].(string); ok {
		c.EmulatorHost = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["ack_deadline"].(time.Duration); ok && v > 0 {
		c.AckDeadline = v
	}
	if v, ok := m["max_outstanding_messages"].(int); ok && v > 0 {
		c.MaxOutstandingMessages = v
	}
	if v, ok := m["num_goroutines"].(int); ok && v > 0 {
		c.NumGoroutines = v
	}
	return c
}
