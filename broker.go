package xbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker/internal/uuidx"
)

var _ API = (*Broker)(nil)
var _ HealthChecker = (*Broker)(nil)

// Broker is the Facade consumers use: it publishes through a Transport and
// correlates asynchronous replies arriving on its reply topic.
type Broker struct {
	transport     Transport
	transportName string
	codec         Codec
	clock         xclock.Clock
	logger        *xlog.Logger
	ackTimeout    time.Duration
	replyTimeout  time.Duration
	eventBuffer   int
	senderID      string

	replyTopic  consumedTopic
	eventsTopic consumedTopic
	viewsTopic  consumedTopic

	hub     *Hub
	breaker *gobreaker.CircuitBreaker
	mws     []Middleware
	ingest  Handler

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	baseCtx    context.Context
	stopIngest context.CancelFunc
	subsMu     sync.Mutex
	subs       []Subscription

	metrics   *brokerMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

type consumedTopic struct {
	name  string
	group string
}

// brokerMetrics uses lock-free atomics.
type brokerMetrics struct {
	published      atomic.Uint64
	received       atomic.Uint64
	decodeErrors   atomic.Uint64
	repliesMatched atomic.Uint64
	replyTimeouts  atomic.Uint64
	errorCount     atomic.Uint64
	publishNs      atomic.Int64
}

// Codec returns the configured codec.
func (b *Broker) Codec() Codec { return b.codec }

// SenderID identifies this broker instance on every envelope it sends.
func (b *Broker) SenderID() string { return b.senderID }

// ReplyTimeout is the default deadline used by ForwardAndGetReply.
func (b *Broker) ReplyTimeout() time.Duration { return b.replyTimeout }

// ReplyTopic is the topic this broker listens on for replies.
func (b *Broker) ReplyTopic() string { return b.replyTopic.name }

// start subscribes the ingestion path to every consumed topic.
func (b *Broker) start(ctx context.Context) error {
	dispatch := func(_ context.Context, env *Envelope) error {
		b.hub.Publish(env)
		return nil
	}
	mws := append([]Middleware{RecoveryMiddleware()}, b.mws...)
	b.ingest = Chain(dispatch, mws...)

	ingestCtx, cancel := context.WithCancel(context.Background())
	b.baseCtx = withIngestValues(ingestCtx, b.codec, b.logger)
	b.stopIngest = cancel

	seen := make(map[string]bool, 3)
	for _, ct := range []consumedTopic{b.replyTopic, b.eventsTopic, b.viewsTopic} {
		if ct.name == "" || seen[ct.name] {
			continue
		}
		seen[ct.name] = true
		sub, err := b.transport.Subscribe(ctx, ct.name, ct.group, b.deliveryHandler(ct.name))
		if err != nil {
			b.logger.Error().Err(err).Str("topic", ct.name).Msg("xbroker: subscribe failed")
			b.stopSubscriptions()
			cancel()
			return err
		}
		b.subsMu.Lock()
		b.subs = append(b.subs, sub)
		b.subsMu.Unlock()
		b.logger.Info().Str("topic", ct.name).Str("group", ct.group).Str("transport", b.transportName).Msg("xbroker: listening")
	}
	return nil
}

// deliveryHandler is the single ingestion path for one topic: decode, push
// onto the hub, ack. A bad message is logged and dropped.
func (b *Broker) deliveryHandler(topic string) func(Delivery) {
	return func(d Delivery) {
		b.metrics.received.Add(1)

		env, err := d.Envelope()
		if err != nil {
			b.metrics.decodeErrors.Add(1)
			b.metrics.errorCount.Add(1)
			b.logger.Warn().Err(err).Str("topic", topic).Msg("xbroker: dropping malformed message")
			b.notifyAsync(Event{Type: DecodeFailed, Topic: topic, Err: err})
			b.ackWithTimeout(d)
			return
		}
		if env.Topic == "" {
			env.Topic = topic
		}

		b.notifyAsync(Event{
			Type:          Ingest,
			Topic:         env.Topic,
			MessageID:     env.ID,
			CorrelationID: env.CorrelationID(),
			MessageType:   env.Type,
		})

		if err := b.ingest(b.baseCtx, env); err != nil {
			b.metrics.errorCount.Add(1)
			b.logger.Warn().Err(err).Str("topic", topic).Str("message_id", env.ID).Msg("xbroker: ingestion handler failed")
			b.notifyAsync(Event{Type: Error, Topic: topic, MessageID: env.ID, Err: err})
		}
		b.ackWithTimeout(d)
	}
}

func (b *Broker) ackWithTimeout(d Delivery) {
	actx := b.baseCtx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(b.baseCtx, b.ackTimeout)
	}
	defer cancel()

	if err := d.Ack(actx); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Err: err})
		b.logger.Warn().Err(err).Msg("xbroker: ack failed")
		return
	}
	b.notifyAsync(Event{Type: Ack})
}

// Forward publishes payload to topic without waiting for a reply and
// returns the message id.
func (b *Broker) Forward(ctx context.Context, topic, msgType string, payload any, opts ...CallOption) (string, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	if topic == "" {
		return "", ErrInvalidTopic
	}
	o := b.callOptions(opts)
	return b.forward(ctx, topic, msgType, payload, o)
}

// ForwardAndGetReply publishes payload and waits for the first envelope on
// the reply hub whose correlationId equals the published message id. With
// ignoreSelfEvents (the default) envelopes sent by this broker never match.
// It fails with *ReplyTimeoutError once the timeout elapses and returns
// ctx.Err() when the caller gives up first.
func (b *Broker) ForwardAndGetReply(ctx context.Context, topic, msgType string, payload any, opts ...CallOption) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	o := b.callOptions(opts)
	if o.messageID == "" {
		o.messageID = uuidx.NewString()
	}

	id, self, ignoreSelf := o.messageID, b.senderID, o.ignoreSelf
	waiter, err := b.hub.Subscribe(func(env *Envelope) bool {
		if env.CorrelationID() != id {
			return false
		}
		return !ignoreSelf || env.SenderID() != self
	}, HubOptions{Buffer: 1, Bounded: true, ReplayLatest: true})
	if err != nil {
		return nil, err
	}
	defer waiter.Close()

	if _, err := b.forward(ctx, topic, msgType, payload, o); err != nil {
		return nil, err
	}

	start := b.clock.Now()
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case env := <-waiter.C():
		b.metrics.repliesMatched.Add(1)
		b.notifyAsync(Event{
			Type:          ReplyMatched,
			Topic:         env.Topic,
			MessageID:     env.ID,
			CorrelationID: id,
			MessageType:   env.Type,
			Duration:      b.clock.Since(start),
		})
		return env.Data, nil
	case <-timer.C:
		b.metrics.replyTimeouts.Add(1)
		terr := &ReplyTimeoutError{Topic: topic, CorrelationID: id, Timeout: o.timeout}
		b.notifyAsync(Event{Type: ReplyTimeout, Topic: topic, CorrelationID: id, MessageType: msgType, Err: terr})
		return nil, terr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForwardAndGetReplyAs is ForwardAndGetReply with the reply decoded into T.
func ForwardAndGetReplyAs[T any](ctx context.Context, b *Broker, topic, msgType string, payload any, opts ...CallOption) (T, error) {
	data, err := b.ForwardAndGetReply(ctx, topic, msgType, payload, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeAs[T](b.codec, data)
}

// Publish sends a prebuilt envelope. Missing id and senderId are stamped;
// the caller's envelope is not modified.
func (b *Broker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	if topic == "" {
		return "", ErrInvalidTopic
	}
	if env == nil {
		return "", errors.New("xbroker: nil envelope")
	}
	out := env.Clone()
	out.Topic = ""
	if out.ID == "" {
		out.ID = uuidx.NewString()
	}
	if out.SenderID() == "" {
		out.SetAttr(AttrSenderID, b.senderID)
	}
	return b.send(ctx, topic, out)
}

// Reply answers request on its replyTo topic with correlationId set to the request id.
func (b *Broker) Reply(ctx context.Context, request *Envelope, msgType string, payload any) (string, error) {
	if request == nil {
		return "", errors.New("xbroker: nil request")
	}
	to := request.ReplyTo()
	if to == "" {
		return "", fmt.Errorf("%w: request %s carries no %s", ErrInvalidTopic, request.ID, AttrReplyTo)
	}
	return b.Forward(ctx, to, msgType, payload, WithCorrelationID(request.ID))
}

func (b *Broker) forward(ctx context.Context, topic, msgType string, payload any, o callOptions) (string, error) {
	data, err := b.codec.Marshal(payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return "", fmt.Errorf("xbroker: encode payload: %w", err)
	}
	id := o.messageID
	if id == "" {
		id = uuidx.NewString()
	}
	env := NewEnvelope(data, o.attributes)
	env.ID = id
	env.Type = msgType
	env.SetAttr(AttrSenderID, b.senderID)
	env.SetAttr(AttrReplyTo, b.replyTopic.name)
	env.SetAttr(AttrCorrelationID, o.correlationID)
	return b.send(ctx, topic, env)
}

func (b *Broker) send(ctx context.Context, topic string, env *Envelope) (string, error) {
	b.metrics.published.Add(1)

	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: topic, MessageID: env.ID, MessageType: env.Type})

	id, err := b.publish(ctx, topic, env)

	duration := b.clock.Since(start)
	b.recordPublishLatency(duration.Nanoseconds())
	b.notifyAsync(Event{
		Type:          PublishDone,
		Topic:         topic,
		MessageID:     env.ID,
		CorrelationID: env.CorrelationID(),
		MessageType:   env.Type,
		Duration:      duration,
		Err:           err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
		return "", err
	}
	return id, nil
}

func (b *Broker) publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	if b.breaker == nil {
		return b.transport.Publish(ctx, topic, env)
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		return b.transport.Publish(ctx, topic, env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &TransportError{Transport: b.transportName, Op: "publish", Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
		}
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) callOptions(opts []CallOption) callOptions {
	o := defaultCallOptions(b.replyTimeout)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// EventStream is a live, filtered view of inbound traffic.
type EventStream struct {
	sub  *HubSubscription
	stop func() bool
}

// C delivers matching envelopes. It is closed by Close, by cancellation of
// the context passed at creation, or by Disconnect.
func (s *EventStream) C() <-chan *Envelope { return s.sub.C() }

// Dropped reports envelopes lost because the consumer fell behind.
func (s *EventStream) Dropped() uint64 { return s.sub.Dropped() }

func (s *EventStream) Close() error {
	s.stop()
	return s.sub.Close()
}

// GetEvents streams envelopes arriving on the events topic (every consumed
// topic when none is configured) whose type is in types. An empty types
// list matches every type.
func (b *Broker) GetEvents(ctx context.Context, types []string, ignoreSelfEvents bool) (*EventStream, error) {
	return b.stream(ctx, b.eventsTopic.name, types, ignoreSelfEvents)
}

// GetMaterializedViewUpdates streams envelopes from the materialized-view topic.
func (b *Broker) GetMaterializedViewUpdates(ctx context.Context, types []string, ignoreSelfEvents bool) (*EventStream, error) {
	if b.viewsTopic.name == "" {
		return nil, fmt.Errorf("%w: no materialized view topic configured", ErrInvalidTopic)
	}
	return b.stream(ctx, b.viewsTopic.name, types, ignoreSelfEvents)
}

func (b *Broker) stream(ctx context.Context, topic string, types []string, ignoreSelf bool) (*EventStream, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	wanted := make(map[string]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	self := b.senderID
	sub, err := b.hub.Subscribe(func(env *Envelope) bool {
		if topic != "" && env.Topic != topic {
			return false
		}
		if len(wanted) > 0 {
			if _, ok := wanted[env.Type]; !ok {
				return false
			}
		}
		return !ignoreSelf || env.SenderID() != self
	}, HubOptions{Buffer: b.eventBuffer, CloseOnShutdown: true, ReplayLatest: true})
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	return &EventStream{sub: sub, stop: stop}, nil
}

// GetMetrics returns current broker metrics.
func (b *Broker) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:           b.metrics.published.Load(),
		Received:            b.metrics.received.Load(),
		DecodeErrors:        b.metrics.decodeErrors.Load(),
		RepliesMatched:      b.metrics.repliesMatched.Load(),
		ReplyTimeouts:       b.metrics.replyTimeouts.Load(),
		PendingReplies:      b.hub.Pending(),
		HubDropped:          b.hub.Dropped(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		AvgPublishLatencyMs: float64(b.metrics.publishNs.Load()) / 1e6,
	}
}

// Health reports broker health for liveness checks.
func (b *Broker) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: b.clock.Now(),
			Message:   "broker is disconnected",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded if error rate > 5%
	if ops := metrics.Published + metrics.Received; metrics.Errors > 0 && ops > 0 {
		if rate := float64(metrics.Errors) / float64(ops); rate > 0.05 {
			status = "degraded"
			msg = fmt.Sprintf("error rate %.1f%%", rate*100)
		}
	}
	if b.breaker != nil && b.breaker.State() == gobreaker.StateOpen {
		status = "degraded"
		msg = "publish circuit open"
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
		Message:   msg,
	}
}

// Disconnect stops ingestion and releases the transport. Pending
// ForwardAndGetReply calls are not released and fail at their deadline;
// event streams are closed. Idempotent.
func (b *Broker) Disconnect(ctx context.Context) error {
	var errs []error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.stopIngest != nil {
			b.stopIngest()
		}
		if err := b.stopSubscriptions(); err != nil {
			errs = append(errs, err)
		}
		b.hub.Shutdown()

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xbroker: transport close failed")
			errs = append(errs, err)
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xbroker: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
		b.logger.Info().Str("sender_id", b.senderID).Msg("xbroker: disconnected")
	})

	return errors.Join(errs...)
}

func (b *Broker) stopSubscriptions() error {
	b.subsMu.Lock()
	subs := b.subs
	b.subs = nil
	b.subsMu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddObserver registers an observer (thread-safe).
func (b *Broker) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Broker) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands events to the observer pool without blocking.
func (b *Broker) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordPublishLatency keeps an exponential moving average of publish latency.
func (b *Broker) recordPublishLatency(ns int64) {
	const alpha = 0.2
	current := b.metrics.publishNs.Load()
	if current == 0 {
		b.metrics.publishNs.Store(ns)
		return
	}
	b.metrics.publishNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
