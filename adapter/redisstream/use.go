// Package redisstream provides a Redis Streams transport for xbroker.
//
// Transport name: "redis-streams"
//
// Each topic is a stream; Subscribe groups map to consumer groups. Entries
// carry the fields id, type, data, sentAt and one attr:<key> field per
// envelope attribute.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - group: consumer group when Subscribe gets none (default "xbroker")
//   - consumer: consumer name (default "xbroker-<host>-<pid>")
//   - concurrency: workers per subscription (default 4)
//   - batch_size: XREADGROUP COUNT (default 64)
//   - block: XREADGROUP BLOCK duration (default 2s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving nacked entries (optional)
//   - max_len_approx: approximate MAXLEN on XADD (optional)
//   - logger: *xlog.Logger (optional)
package redisstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

const TransportName = "redis-streams"

var ErrClosed = errors.New("redisstream: transport closed")

func init() {
	if err := xbroker.RegisterTransport(TransportName, func(cfg map[string]any) (xbroker.Transport, error) {
		lg, _ := cfg["logger"].(*xlog.Logger)
		return NewTransport(ConfigFromMap(cfg), lg)
	}); err != nil {
		panic(fmt.Errorf("xbroker: failed to register transport %q: %w", TransportName, err))
	}
}

// Use connects to Redis and builds a Broker on top of it.
func Use(ctx context.Context, cfg Config, init func(*xbroker.BrokerBuilder)) (*xbroker.Broker, error) {
	bb := xbroker.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())
	if init != nil {
		init(bb)
	}
	b, err := bb.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("redisstream.Use: %w", err)
	}
	return b, nil
}
