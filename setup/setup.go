// Package setup maps a loaded configuration onto a transport adapter and
// a ready Broker. It is the only place that knows every adapter.
package setup

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
	"github.com/trickstertwo/xbroker/adapter/memory"
	"github.com/trickstertwo/xbroker/adapter/mqtt"
	"github.com/trickstertwo/xbroker/adapter/nats"
	"github.com/trickstertwo/xbroker/adapter/pubsub"
	"github.com/trickstertwo/xbroker/adapter/redisstream"
	"github.com/trickstertwo/xbroker/internal/config"
)

// Option customizes the builder after the configuration is applied.
type Option func(*xbroker.BrokerBuilder)

// NewTransport connects the transport selected by cfg.BrokerType.
func NewTransport(ctx context.Context, cfg *config.Config, logger *xlog.Logger) (xbroker.Transport, error) {
	if logger == nil {
		logger = xlog.Default()
	}

	switch cfg.BrokerType {
	case config.BrokerPubSub:
		pc := pubsub.Defaults()
		pc.ProjectID = cfg.PubSub.ProjectID
		pc.CredentialsFile = cfg.PubSub.CredentialsFile
		pc.EmulatorHost = cfg.PubSub.EmulatorHost
		pc.AutoCreate = cfg.PubSub.AutoCreate
		return pubsub.NewTransport(ctx, pc, logger)

	case config.BrokerMQTT:
		mc := mqtt.Defaults()
		mc.URL = cfg.MQTT.URL
		if cfg.MQTT.ClientID != "" {
			mc.ClientID = cfg.MQTT.ClientID
		}
		mc.Username = cfg.MQTT.Username
		mc.Password = cfg.MQTT.Password
		mc.QoS = byte(cfg.MQTT.QoS)
		mc.TopicPrefix = cfg.PubSub.ProjectID
		return mqtt.NewTransport(mc, logger)

	case config.BrokerRedis:
		rc := redisstream.Defaults()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.DeadLetter = cfg.Redis.DeadLetter
		// broker ingestion relies on stream order
		rc.Concurrency = 1
		return redisstream.NewTransport(rc, logger)

	case config.BrokerNATS:
		nc := nats.Defaults()
		nc.URL = cfg.NATS.URL
		return nats.NewTransport(nc, logger)

	case config.BrokerMemory:
		return memory.NewTransport(memory.Config{}), nil
	}
	return nil, fmt.Errorf("setup: unknown broker type %q", cfg.BrokerType)
}

// NewBroker connects the configured transport and builds a Broker on it.
// The transport is closed again when the Broker cannot start.
func NewBroker(ctx context.Context, cfg *config.Config, logger *xlog.Logger, opts ...Option) (*xbroker.Broker, error) {
	tr, err := NewTransport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b, err := BuildBroker(ctx, cfg, tr, logger, opts...)
	if err != nil {
		_ = tr.Close(ctx)
		return nil, err
	}
	return b, nil
}

// BuildBroker applies cfg to a builder around an existing transport.
func BuildBroker(ctx context.Context, cfg *config.Config, tr xbroker.Transport, logger *xlog.Logger, opts ...Option) (*xbroker.Broker, error) {
	bb := xbroker.NewBrokerBuilder().
		WithTransportInstance(tr).
		WithReplyTopic(cfg.Topics.Replies, cfg.Topics.RepliesSubscription).
		WithReplyTimeout(cfg.ReplyTimeout).
		WithMaxPendingReplies(cfg.MaxPendingReplies).
		WithEventBuffer(cfg.EventBuffer)
	if cfg.Topics.Events != "" {
		bb.WithEventsTopic(cfg.Topics.Events, cfg.Topics.EventsSubscription)
	}
	if cfg.Topics.MaterializedViews != "" {
		bb.WithMaterializedViewTopic(cfg.Topics.MaterializedViews, cfg.Topics.MaterializedViewsSubscription)
	}
	if cfg.SenderID != "" {
		bb.WithSenderID(cfg.SenderID)
	}
	if logger != nil {
		bb.WithLogger(logger)
	}
	for _, opt := range opts {
		opt(bb)
	}

	b, err := bb.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup: %s broker: %w", cfg.BrokerType, err)
	}
	return b, nil
}
