package memory

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xbroker"
)

// Use builds a Broker on a fresh in-memory transport. init customizes the
// builder (reply topic, logger, observers...); a reply topic is required.
//
// Example:
//
//	b, err := memory.Use(ctx, memory.Config{BufferSize: 4096}, func(bb *xbroker.BrokerBuilder) {
//	    bb.WithReplyTopic("gateway-replies", "").
//	        WithLogger(logger)
//	})
func Use(ctx context.Context, cfg Config, init func(*xbroker.BrokerBuilder)) (*xbroker.Broker, error) {
	bb := xbroker.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())
	if init != nil {
		init(bb)
	}
	b, err := bb.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory.Use: %w", err)
	}
	return b, nil
}
