package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

type transport struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
	lagNs         atomic.Int64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	PublishErrors uint64
	ConsumeErrors uint64
	// LastLag is the delay between XADD and read of the latest entry.
	LastLag time.Duration
}

// StatsReporter is implemented by the Redis transport.
type StatsReporter interface {
	Stats() Stats
}

var _ xbroker.Transport = (*transport)(nil)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(cfg Config, logger *xlog.Logger) (xbroker.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, xbroker.NewTransportError(TransportName, "connect", err)
	}
	return newTransport(cfg, client, logger), nil
}

func newTransport(cfg Config, client *redis.Client, logger *xlog.Logger) *transport {
	if logger == nil {
		logger = xlog.Default()
	}
	return &transport{
		cfg:     cfg,
		client:  client,
		logger:  logger.With(xlog.Str("transport", TransportName)),
		metrics: &transportMetrics{},
	}
}

// Publish appends env to the stream named topic.
func (t *transport) Publish(ctx context.Context, topic string, env *xbroker.Envelope) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	if topic == "" {
		return "", xbroker.ErrInvalidTopic
	}

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: encodeValues(env, time.Now().UnixNano()),
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}

	entryID, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		t.metrics.publishErrors.Add(1)
		return "", xbroker.NewTransportError(TransportName, "publish", err)
	}
	t.metrics.published.Add(1)
	if env.ID == "" {
		return entryID, nil
	}
	return env.ID, nil
}

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.close() })
	return err
}

// Subscribe reads topic through consumer group (Config.Group when empty)
// with a poller feeding Concurrency workers.
func (t *transport) Subscribe(ctx context.Context, topic, group string, handler func(xbroker.Delivery)) (xbroker.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" {
		return nil, xbroker.ErrInvalidTopic
	}
	if group == "" {
		group = t.cfg.Group
	}

	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, &xbroker.TopicUnavailableError{Topic: topic, Err: err}
		}
	}

	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := &sync.WaitGroup{}
	workers := max(1, t.cfg.Concurrency)

	// buffer absorbs one batch per worker pair
	workCh := make(chan *delivery, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			wg.Done()
		}()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, topic, group)
		}()
	}

	t.logger.Debug().Str("topic", topic).Str("group", group).Msg("redis stream consuming")
	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads new entries for the group and hands them to workers.
// Read errors back off exponentially up to 5s.
func (t *transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const minBackoff = 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
			}
			t.metrics.consumeErrors.Add(1)
			t.logger.Warn().Err(err).Str("topic", topic).Str("group", group).Msg("redis stream read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		for _, stream := range res {
			for _, msg := range stream.Messages {
				t.metrics.consumed.Add(1)
				if ns, ok := toInt64(msg.Values[fieldSentAt]); ok && ns > 0 {
					t.metrics.lagNs.Store(time.Now().UnixNano() - ns)
				}
				d := &delivery{t: t, topic: topic, group: group, id: msg.ID, values: msg.Values}
				select {
				case workCh <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// claimLoop periodically claims entries left pending by dead consumers.
func (t *transport) claimLoop(ctx context.Context, topic, group string) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   t.cfg.ClaimMinIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			if p.Consumer != t.cfg.Consumer {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		claimed, err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err == nil && len(claimed) > 0 {
			t.logger.Info().Str("topic", topic).Str("group", group).Str("claimed", strconv.Itoa(len(claimed))).Msg("redis stream claimed idle entries")
		}
	}
}

// Close releases the Redis client. Idempotent.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

func (t *transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
		LastLag:       time.Duration(t.metrics.lagNs.Load()),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
