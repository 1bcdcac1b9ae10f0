package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	json "github.com/goccy/go-json"
	"github.com/trickstertwo/xlog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/trickstertwo/xbroker"
)

// Message attributes carrying envelope fields that have no native slot.
const (
	attrID   = "id"
	attrType = "type"
)

var (
	ErrClosed         = errors.New("pubsub: transport closed")
	ErrNotFound       = errors.New("pubsub: resource does not exist and auto_create is off")
	ErrBadSubscribeID = errors.New("pubsub: invalid subscription name")
)

// Transport maps envelopes onto Pub/Sub messages: Data is the payload and
// id, type and the envelope attributes travel as message attributes.
// Topics and subscriptions are resolved lazily and created when missing.
type Transport struct {
	cfg        Config
	client     *pubsub.Client
	ownsClient bool
	conn       *grpc.ClientConn
	logger     *xlog.Logger

	topics *xbroker.TopicRegistry[*pubsub.Topic]
	subs   *xbroker.TopicRegistry[*pubsub.Subscription]

	mu        sync.Mutex
	receivers map[*receiver]struct{}
	closed    atomic.Bool
}

var _ xbroker.Transport = (*Transport)(nil)

// NewTransport dials Pub/Sub for cfg.ProjectID.
func NewTransport(ctx context.Context, cfg Config, logger *xlog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	var conn *grpc.ClientConn
	switch {
	case cfg.EmulatorHost != "":
		c, err := grpc.NewClient(cfg.EmulatorHost, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, xbroker.NewTransportError(TransportName, "dial", err)
		}
		conn = c
		opts = append(opts, option.WithGRPCConn(c))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, xbroker.NewTransportError(TransportName, "connect", err)
	}
	t := NewTransportWithClient(cfg, client, logger)
	t.ownsClient = true
	t.conn = conn
	return t, nil
}

// NewTransportWithClient uses an existing client. The client is not closed
// by Close.
func NewTransportWithClient(cfg Config, client *pubsub.Client, logger *xlog.Logger) *Transport {
	if logger == nil {
		logger = xlog.Default()
	}
	t := &Transport{
		cfg:       cfg,
		client:    client,
		logger:    logger.With(xlog.Str("transport", TransportName), xlog.Str("project", cfg.ProjectID)),
		receivers: make(map[*receiver]struct{}),
	}
	t.topics = xbroker.NewTopicRegistry[*pubsub.Topic](xbroker.TopicResolverFuncs[*pubsub.Topic]{
		ExistsFunc: t.topicExists,
		CreateFunc: t.createTopic,
	})
	t.subs = xbroker.NewTopicRegistry[*pubsub.Subscription](xbroker.TopicResolverFuncs[*pubsub.Subscription]{
		ExistsFunc: t.subscriptionExists,
		CreateFunc: t.createSubscription,
	})
	return t
}

func (t *Transport) topicExists(ctx context.Context, name string) (*pubsub.Topic, bool, error) {
	topic := t.client.Topic(name)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, false, err
	}
	return topic, ok, nil
}

func (t *Transport) createTopic(ctx context.Context, name string) (*pubsub.Topic, error) {
	if !t.cfg.AutoCreate {
		return nil, ErrNotFound
	}
	topic, err := t.client.CreateTopic(ctx, name)
	if status.Code(err) == codes.AlreadyExists {
		return t.client.Topic(name), nil
	}
	if err != nil {
		return nil, err
	}
	t.logger.Info().Str("topic", name).Msg("pubsub topic created")
	return topic, nil
}

// subscription registry keys are "<topic>/<subscription>"; neither name may contain '/'.
func subKey(topic, sub string) string { return topic + "/" + sub }

func (t *Transport) subscriptionExists(ctx context.Context, key string) (*pubsub.Subscription, bool, error) {
	_, name, ok := strings.Cut(key, "/")
	if !ok {
		return nil, false, ErrBadSubscribeID
	}
	sub := t.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, false, err
	}
	return sub, exists, nil
}

func (t *Transport) createSubscription(ctx context.Context, key string) (*pubsub.Subscription, error) {
	topicName, name, ok := strings.Cut(key, "/")
	if !ok {
		return nil, ErrBadSubscribeID
	}
	if !t.cfg.AutoCreate {
		return nil, ErrNotFound
	}
	topic, err := t.topics.Resolve(ctx, topicName)
	if err != nil {
		return nil, err
	}
	sub, err := t.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: t.cfg.AckDeadline,
	})
	if status.Code(err) == codes.AlreadyExists {
		return t.client.Subscription(name), nil
	}
	if err != nil {
		return nil, err
	}
	t.logger.Info().Str("topic", topicName).Str("subscription", name).Msg("pubsub subscription created")
	return sub, nil
}

// Publish resolves topic and waits for the server acknowledgement.
func (t *Transport) Publish(ctx context.Context, topic string, env *xbroker.Envelope) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	if env == nil {
		return "", errors.New("pubsub: nil envelope")
	}
	tp, err := t.topics.Resolve(ctx, topic)
	if err != nil {
		return "", err
	}

	res := tp.Publish(ctx, toMessage(env))
	serverID, err := res.Get(ctx)
	if err != nil {
		return "", xbroker.NewTransportError(TransportName, "publish", err)
	}
	if env.ID == "" {
		return serverID, nil
	}
	return env.ID, nil
}

func toMessage(env *xbroker.Envelope) *pubsub.Message {
	attrs := make(map[string]string, len(env.Attributes)+2)
	for k, v := range env.Attributes {
		attrs[k] = v
	}
	if env.ID != "" {
		attrs[attrID] = env.ID
	}
	if env.Type != "" {
		attrs[attrType] = env.Type
	}
	return &pubsub.Message{Data: env.Data, Attributes: attrs}
}

// fromMessage rebuilds an envelope. Data must be a JSON document.
func fromMessage(topic string, msg *pubsub.Message) (*xbroker.Envelope, error) {
	if len(msg.Data) == 0 || !json.Valid(msg.Data) {
		return nil, &xbroker.DecodeError{Topic: topic, Err: errors.New("message data is not a JSON document")}
	}
	env := &xbroker.Envelope{
		ID:         msg.Attributes[attrID],
		Type:       msg.Attributes[attrType],
		Data:       append(json.RawMessage(nil), msg.Data...),
		Attributes: make(map[string]string, len(msg.Attributes)),
		Topic:      topic,
	}
	if env.ID == "" {
		env.ID = msg.ID
	}
	for k, v := range msg.Attributes {
		if k == attrID || k == attrType {
			continue
		}
		env.Attributes[k] = v
	}
	return env, nil
}

// Subscribe resolves (or creates) subscription group on topic and starts a
// Receive loop. An empty group uses "<topic>-xbroker".
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xbroker.Delivery)) (xbroker.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" {
		return nil, xbroker.ErrInvalidTopic
	}
	if group == "" {
		group = topic + "-xbroker"
	}
	if strings.Contains(topic, "/") || strings.Contains(group, "/") {
		return nil, &xbroker.TopicUnavailableError{Topic: topic, Err: ErrBadSubscribeID}
	}

	if _, err := t.subs.Resolve(ctx, subKey(topic, group)); err != nil {
		return nil, err
	}
	// a Subscription handle allows one Receive at a time
	sub := t.client.Subscription(group)
	sub.ReceiveSettings.MaxOutstandingMessages = t.cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = t.cfg.NumGoroutines

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &receiver{t: t, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.receivers[r] = struct{}{}
	t.mu.Unlock()

	go func() {
		defer close(r.done)
		err := sub.Receive(rctx, func(_ context.Context, msg *pubsub.Message) {
			handler(&delivery{msg: msg, topic: topic})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error().Err(err).Str("topic", topic).Str("subscription", group).Msg("pubsub receive stopped")
		}
	}()

	t.logger.Debug().Str("topic", topic).Str("subscription", group).Msg("pubsub receiving")
	return r, nil
}

type receiver struct {
	t      *Transport
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the Receive loop and waits for outstanding handlers.
func (r *receiver) Close() error {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		r.t.mu.Lock()
		delete(r.t.receivers, r)
		r.t.mu.Unlock()
	})
	return nil
}

// Close stops receivers, flushes topic publishers and closes the client
// when the transport created it. Idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	rs := make([]*receiver, 0, len(t.receivers))
	for r := range t.receivers {
		rs = append(rs, r)
	}
	t.mu.Unlock()
	for _, r := range rs {
		_ = r.Close()
	}

	t.topics.Each(func(_ string, tp *pubsub.Topic) bool {
		tp.Stop()
		return true
	})

	var errs []error
	if t.ownsClient {
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pubsub close: %w", err)
	}
	return nil
}

type delivery struct {
	msg   *pubsub.Message
	topic string
}

func (d *delivery) Envelope() (*xbroker.Envelope, error) { return fromMessage(d.topic, d.msg) }

func (d *delivery) Ack(_ context.Context) error {
	d.msg.Ack()
	return nil
}

func (d *delivery) Nack(_ context.Context, _ error) error {
	d.msg.Nack()
	return nil
}
