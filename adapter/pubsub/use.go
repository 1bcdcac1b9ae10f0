// Package pubsub provides a Google Cloud Pub/Sub transport for xbroker.
//
// Transport name: "pubsub"
//
// Config keys: project_id, credentials_file, emulator_host, auto_create,
// ack_deadline, max_outstanding_messages, num_goroutines. An optional
// "logger" key carries an *xlog.Logger.
//
// The Subscribe group is the Pub/Sub subscription name.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

const TransportName = "pubsub"

// dialTimeout bounds client construction from the registry factory.
const dialTimeout = 30 * time.Second

func init() {
	if err := xbroker.RegisterTransport(TransportName, func(cfg map[string]any) (xbroker.Transport, error) {
		lg, _ := cfg["logger"].(*xlog.Logger)
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return NewTransport(ctx, ConfigFromMap(cfg), lg)
	}); err != nil {
		panic(fmt.Errorf("xbroker: failed to register transport %q: %w", TransportName, err))
	}
}

// Use connects to Pub/Sub and builds a Broker on top of it.
func Use(ctx context.Context, cfg Config, init func(*xbroker.BrokerBuilder)) (*xbroker.Broker, error) {
	bb := xbroker.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())
	if init != nil {
		init(bb)
	}
	b, err := bb.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("pubsub.Use: %w", err)
	}
	return b, nil
}
