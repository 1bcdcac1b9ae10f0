// Package mqtt provides an MQTT transport for xbroker built on
// eclipse/paho.mqtt.golang.
//
// Transport name: "mqtt"
//
// Config keys: url, client_id, username, password, topic_prefix, qos,
// connect_timeout, publish_timeout, keep_alive, max_reconnect_interval.
// An optional "logger" key carries an *xlog.Logger.
package mqtt

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

const TransportName = "mqtt"

func init() {
	if err := xbroker.RegisterTransport(TransportName, func(cfg map[string]any) (xbroker.Transport, error) {
		lg, _ := cfg["logger"].(*xlog.Logger)
		return NewTransport(ConfigFromMap(cfg), lg)
	}); err != nil {
		panic(fmt.Errorf("xbroker: failed to register transport %q: %w", TransportName, err))
	}
}

// Use connects to MQTT and builds a Broker on top of it.
func Use(ctx context.Context, cfg Config, init func(*xbroker.BrokerBuilder)) (*xbroker.Broker, error) {
	bb := xbroker.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())
	if init != nil {
		init(bb)
	}
	b, err := bb.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("mqtt.Use: %w", err)
	}
	return b, nil
}
