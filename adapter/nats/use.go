// Package nats provides a core NATS transport for xbroker built on
// nats-io/nats.go.
//
// Transport name: "nats"
//
// Config keys: url, name, username, password, token, subject_prefix,
// connect_timeout, reconnect_wait, max_reconnects, flush_timeout,
// compression. An optional "logger" key carries an *xlog.Logger.
package nats

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

const TransportName = "nats"

func init() {
	if err := xbroker.RegisterTransport(TransportName, func(cfg map[string]any) (xbroker.Transport, error) {
		lg, _ := cfg["logger"].(*xlog.Logger)
		return NewTransport(ConfigFromMap(cfg), lg)
	}); err != nil {
		panic(fmt.Errorf("xbroker: failed to register transport %q: %w", TransportName, err))
	}
}

// Use connects to NATS and builds a Broker on top of it.
func Use(ctx context.Context, cfg Config, init func(*xbroker.BrokerBuilder)) (*xbroker.Broker, error) {
	bb := xbroker.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())
	if init != nil {
		init(bb)
	}
	b, err := bb.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("nats.Use: %w", err)
	}
	return b, nil
}
