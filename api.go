package xbroker

import (
	"context"
	"time"
)

// Handler processes a single inbound envelope on the ingestion path.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware composes processing concerns around the ingestion Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received message with Ack/Nack semantics.
// Envelope decodes lazily so that a malformed message reaches the broker
// as a *DecodeError instead of being lost inside the adapter.
type Delivery interface {
	Envelope() (*Envelope, error)
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends one envelope and returns its message id.
	Publish(ctx context.Context, topic string, env *Envelope) (string, error)
	// Subscribe binds a handler to a topic. group maps to the transport's
	// notion of a named consumer (subscription, consumer group, queue group)
	// and may be ignored.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources. Idempotent.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding payloads and envelopes on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives broker lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the broker contract consumed by the GraphQL layer.
type API interface {
	Forward(ctx context.Context, topic, msgType string, payload any, opts ...CallOption) (string, error)
	ForwardAndGetReply(ctx context.Context, topic, msgType string, payload any, opts ...CallOption) ([]byte, error)
	Publish(ctx context.Context, topic string, env *Envelope) (string, error)
	Reply(ctx context.Context, request *Envelope, msgType string, payload any) (string, error)
	GetEvents(ctx context.Context, types []string, ignoreSelfEvents bool) (*EventStream, error)
	GetMaterializedViewUpdates(ctx context.Context, types []string, ignoreSelfEvents bool) (*EventStream, error)
	Disconnect(ctx context.Context) error
	SenderID() string
	ReplyTimeout() time.Duration
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
