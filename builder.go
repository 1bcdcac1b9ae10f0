package xbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker/internal/uuidx"
)

const (
	DefaultReplyTimeout      = 2000 * time.Millisecond
	DefaultMaxPendingReplies = 10000
	DefaultEventBuffer       = 64
	DefaultAckTimeout        = 5 * time.Second
)

// CircuitBreakerConfig guards the publish path. Only transport connection
// failures count towards tripping.
type CircuitBreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// BrokerBuilder constructs Broker instances (Builder pattern).
type BrokerBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	senderID     string
	replyTopic   consumedTopic
	eventsTopic  consumedTopic
	viewsTopic   consumedTopic
	replyTimeout time.Duration
	maxPending   int
	eventBuffer  int

	poolWorkers int
	poolBuffer  int

	breaker *CircuitBreakerConfig
}

// NewBrokerBuilder returns a new builder with sensible defaults.
func NewBrokerBuilder() *BrokerBuilder {
	return &BrokerBuilder{
		codecName:    "json",
		ackTimeout:   DefaultAckTimeout,
		replyTimeout: DefaultReplyTimeout,
		maxPending:   DefaultMaxPendingReplies,
		eventBuffer:  DefaultEventBuffer,
		poolWorkers:  4,
		poolBuffer:   1024,
	}
}

func (bb *BrokerBuilder) WithTransport(name string, cfg map[string]any) *BrokerBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BrokerBuilder) WithTransportInstance(t Transport) *BrokerBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BrokerBuilder) WithCodec(name string) *BrokerBuilder {
	bb.codecName = name
	return bb
}

func (bb *BrokerBuilder) WithCodecInstance(c Codec) *BrokerBuilder {
	bb.codecInst = c
	return bb
}

// WithReplyTopic sets the topic replies arrive on and the transport
// subscription/group name used to consume it. Required.
func (bb *BrokerBuilder) WithReplyTopic(topic, group string) *BrokerBuilder {
	bb.replyTopic = consumedTopic{name: topic, group: group}
	return bb
}

func (bb *BrokerBuilder) WithEventsTopic(topic, group string) *BrokerBuilder {
	bb.eventsTopic = consumedTopic{name: topic, group: group}
	return bb
}

func (bb *BrokerBuilder) WithMaterializedViewTopic(topic, group string) *BrokerBuilder {
	bb.viewsTopic = consumedTopic{name: topic, group: group}
	return bb
}

func (bb *BrokerBuilder) WithReplyTimeout(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.replyTimeout = d
	}
	return bb
}

// WithMaxPendingReplies bounds concurrent ForwardAndGetReply waiters.
// Zero or negative removes the bound.
func (bb *BrokerBuilder) WithMaxPendingReplies(n int) *BrokerBuilder {
	bb.maxPending = n
	return bb
}

// WithEventBuffer sets the channel capacity of each event stream.
func (bb *BrokerBuilder) WithEventBuffer(n int) *BrokerBuilder {
	if n > 0 {
		bb.eventBuffer = n
	}
	return bb
}

// WithSenderID overrides the generated sender id.
func (bb *BrokerBuilder) WithSenderID(id string) *BrokerBuilder {
	bb.senderID = id
	return bb
}

func (bb *BrokerBuilder) WithMiddleware(mw ...Middleware) *BrokerBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BrokerBuilder) WithObserver(obs ...Observer) *BrokerBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the asynchronous observer dispatch.
func (bb *BrokerBuilder) WithObserverPool(workers, buffer int) *BrokerBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = buffer
	return bb
}

func (bb *BrokerBuilder) WithCircuitBreaker(cfg CircuitBreakerConfig) *BrokerBuilder {
	bb.breaker = &cfg
	return bb
}

func (bb *BrokerBuilder) WithLogger(l *xlog.Logger) *BrokerBuilder {
	bb.logger = l
	return bb
}

func (bb *BrokerBuilder) WithClock(c xclock.Clock) *BrokerBuilder {
	bb.clock = c
	return bb
}

func (bb *BrokerBuilder) WithAckTimeout(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// Build resolves the strategies, starts ingestion on every configured topic
// and returns a ready Broker. On failure the transport is closed.
func (bb *BrokerBuilder) Build(ctx context.Context) (*Broker, error) {
	if bb.replyTopic.name == "" {
		return nil, ErrNoReplyTopic
	}

	var cd Codec
	var err error
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	var tr Transport
	name := bb.transportName
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
		if name == "" {
			name = fmt.Sprintf("%T", tr)
		}
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	sender := bb.senderID
	if sender == "" {
		sender = uuidx.Random()
	}

	b := &Broker{
		transport:     tr,
		transportName: name,
		codec:         cd,
		clock:         clk,
		logger:        lg.With(xlog.Str("component", "xbroker"), xlog.Str("sender_id", sender)),
		ackTimeout:    bb.ackTimeout,
		replyTimeout:  bb.replyTimeout,
		eventBuffer:   bb.eventBuffer,
		senderID:      sender,
		replyTopic:    bb.replyTopic,
		eventsTopic:   bb.eventsTopic,
		viewsTopic:    bb.viewsTopic,
		hub:           NewHub(bb.maxPending),
		mws:           bb.middlewares,
		observerPool:  NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
		metrics:       &brokerMetrics{},
	}
	if bb.breaker != nil {
		b.breaker = newCircuitBreaker(name, *bb.breaker, b.logger)
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: b.logger})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	if err := b.start(ctx); err != nil {
		_ = b.observerPool.Close(time.Second)
		_ = tr.Close(ctx)
		return nil, err
	}
	return b, nil
}

func newCircuitBreaker(name string, cfg CircuitBreakerConfig, lg *xlog.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxReq := cfg.MaxRequests
	if maxReq == 0 {
		maxReq = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "xbroker-publish-" + name,
		MaxRequests: maxReq,
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isConnectionError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("xbroker: circuit breaker state change")
		},
	})
}

// New constructs a Broker via Builder.
func New(ctx context.Context, init func(b *BrokerBuilder)) (*Broker, error) {
	bb := NewBrokerBuilder()
	if init != nil {
		init(bb)
	}
	return bb.Build(ctx)
}
