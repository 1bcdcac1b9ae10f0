package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xbroker"
)

const TransportName = "memory"

var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xbroker.RegisterTransport(TransportName, func(cfg map[string]any) (xbroker.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xbroker/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
	}
}

// Transport implements xbroker.Transport with in-process channels. Envelopes
// are encoded on publish and decoded lazily on delivery, so the wire path is
// the same one network transports take.
//
// Subscriptions sharing a non-empty group compete for messages; an empty
// group gets a private queue and sees every message.
type Transport struct {
	cfg   Config
	codec xbroker.Codec

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool
	seq    atomic.Uint64

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	dropped     atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ xbroker.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Transport{
		cfg:     cfg,
		codec:   xbroker.JSONCodec{},
		topics:  make(map[string]*topic),
		metrics: &transportMetrics{},
	}
}

// Publish encodes env and fans it out to every group of topic. Messages to a
// topic without subscribers are dropped.
func (t *Transport) Publish(ctx context.Context, topic string, env *xbroker.Envelope) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	id := env.ID
	if id == "" {
		id = "mem-" + strconv.FormatUint(t.seq.Add(1), 10)
		env = env.Clone()
		env.ID = id
	}
	data, err := xbroker.EncodeEnvelope(t.codec, env)
	if err != nil {
		return "", err
	}
	if err := t.PublishRaw(ctx, topic, data); err != nil {
		return "", err
	}
	return id, nil
}

// PublishRaw puts bytes on topic as-is. Useful for feeding malformed input.
func (t *Transport) PublishRaw(ctx context.Context, topic string, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topic]
	t.mu.RUnlock()
	if !ok {
		t.metrics.dropped.Add(1)
		return nil
	}

	top.mu.RLock()
	defer top.mu.RUnlock()
	for _, g := range top.groups {
		task := &deliveryTask{topic: topic, group: g, data: data, tr: t}
		select {
		case g.queue <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.metrics.published.Add(1)
	return nil
}

// Subscribe registers a handler for a topic/group.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xbroker.Delivery)) (xbroker.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" {
		return nil, xbroker.ErrInvalidTopic
	}

	top := t.ensureTopic(topic)
	key := group
	if key == "" {
		key = "_private-" + strconv.FormatUint(t.seq.Add(1), 10)
	}
	g := top.ensureGroup(key, t.cfg.BufferSize)

	// subscription lifetime is bound to Close, not to the subscribe call
	innerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wg := &sync.WaitGroup{}
	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			if group == "" {
				top.removeGroup(key)
			}
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, g *group, handler func(xbroker.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, codec: t.codec})
		}
	}
}

// Close drops every topic. Idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Dropped:     t.metrics.dropped.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
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

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	name  string
	queue chan *deliveryTask
}

type deliveryTask struct {
	tr    *Transport
	topic string
	group *group
	data  []byte
}

type memDelivery struct {
	task    *deliveryTask
	codec   xbroker.Codec
	ackOnce sync.Once
}

func (d *memDelivery) Envelope() (*xbroker.Envelope, error) {
	return xbroker.DecodeEnvelope(d.codec, d.task.topic, d.task.data)
}

func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack re-enqueues the message on its group after the configured delay.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		tr := d.task.tr
		tr.metrics.nacked.Add(1)
		tr.metrics.redelivered.Add(1)

		delay := tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.task.group.queue <- d.task:
			case <-ctx.Done():
			}
			return
		}

		timer := time.NewTimer(delay)
		go func() {
			defer timer.Stop()
			<-timer.C
			select {
			case d.task.group.queue <- d.task:
			default:
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{groups: make(map[string]*group)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, bufferSize int) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}
	g := &group{name: name, queue: make(chan *deliveryTask, bufferSize)}
	tp.groups[name] = g
	return g
}

func (tp *topic) removeGroup(name string) {
	tp.mu.Lock()
	delete(tp.groups, name)
	tp.mu.Unlock()
}
