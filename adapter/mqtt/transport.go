package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

const (
	// maxQoS is the highest MQTT QoS level.
	maxQoS = 2

	// disconnectQuiesce is the time in ms paho waits for in-flight work on Close.
	disconnectQuiesce = 250

	tlsMinVersion = tls.VersionTLS12
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrPublishTimeout   = errors.New("mqtt: publish timeout")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrClosed           = errors.New("mqtt: transport closed")
)

// Transport publishes envelopes as JSON documents on MQTT topics.
// MQTT has no consumer groups; the group argument of Subscribe is ignored
// and every subscription sees every message.
type Transport struct {
	cfg    Config
	client pahomqtt.Client
	codec  xbroker.Codec
	logger *xlog.Logger

	subMu  sync.RWMutex
	topics map[string]*topicHandlers // keyed by wire topic
	nextID atomic.Uint64

	closed atomic.Bool
}

type topicHandlers struct {
	topic    string
	handlers map[uint64]func(xbroker.Delivery)
}

var _ xbroker.Transport = (*Transport)(nil)

// NewTransport connects to the broker described by cfg.
func NewTransport(cfg Config, logger *xlog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	t := &Transport{
		cfg:    cfg,
		codec:  xbroker.JSONCodec{},
		logger: logger.With(xlog.Str("transport", TransportName)),
		topics: make(map[string]*topicHandlers),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		t.logger.Info().Str("url", cfg.URL).Msg("mqtt connected")
		t.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		t.logger.Debug().Msg("mqtt reconnecting")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, xbroker.NewTransportError(TransportName, "connect",
			fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout))
	}
	if err := token.Error(); err != nil {
		return nil, xbroker.NewTransportError(TransportName, "connect", fmt.Errorf("%w: %w", ErrConnectionFailed, err))
	}
	t.client = client
	return t, nil
}

// newTransportWithClient wires an already constructed paho client.
func newTransportWithClient(cfg Config, client pahomqtt.Client, logger *xlog.Logger) *Transport {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		codec:  xbroker.JSONCodec{},
		logger: logger,
		topics: make(map[string]*topicHandlers),
	}
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// no persistent session; subscriptions are restored in the connect handler
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)
	// handlers run on paho's router goroutine so a topic is ingested in
	// arrival order; the broker handler never blocks
	opts.SetOrderMatters(true)

	if cfg.secure() {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// wireTopic maps a logical topic to the topic used on the broker.
func (t *Transport) wireTopic(topic string) string {
	if t.cfg.TopicPrefix == "" {
		return topic
	}
	return t.cfg.TopicPrefix + "/" + topic
}

func (t *Transport) logicalTopic(wire string) string {
	if t.cfg.TopicPrefix == "" {
		return wire
	}
	return strings.TrimPrefix(wire, t.cfg.TopicPrefix+"/")
}

// Publish sends env at the configured QoS and waits for the token within
// PublishTimeout or ctx.
func (t *Transport) Publish(ctx context.Context, topic string, env *xbroker.Envelope) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	if topic == "" {
		return "", xbroker.ErrInvalidTopic
	}
	data, err := xbroker.EncodeEnvelope(t.codec, env)
	if err != nil {
		return "", err
	}
	if !t.client.IsConnectionOpen() {
		return "", xbroker.NewTransportError(TransportName, "publish", ErrNotConnected)
	}

	token := t.client.Publish(t.wireTopic(topic), t.cfg.QoS, false, data)
	if err := t.wait(ctx, token); err != nil {
		return "", xbroker.NewTransportError(TransportName, "publish", err)
	}
	return env.ID, nil
}

func (t *Transport) wait(ctx context.Context, token pahomqtt.Token) error {
	timer := time.NewTimer(t.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for topic. Several handlers may share a topic;
// the broker subscription is made once and dropped with the last handler.
func (t *Transport) Subscribe(ctx context.Context, topic, _ string, handler func(xbroker.Delivery)) (xbroker.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" {
		return nil, xbroker.ErrInvalidTopic
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	wire := t.wireTopic(topic)
	id := t.nextID.Add(1)

	t.subMu.Lock()
	th, exists := t.topics[wire]
	if !exists {
		th = &topicHandlers{topic: wire, handlers: make(map[uint64]func(xbroker.Delivery))}
		t.topics[wire] = th
	}
	th.handlers[id] = handler
	t.subMu.Unlock()

	if !exists {
		token := t.client.Subscribe(wire, t.cfg.QoS, t.messageHandler())
		if err := t.wait(ctx, token); err != nil {
			// handlers that joined meanwhile stay and are subscribed on reconnect
			t.subMu.Lock()
			delete(th.handlers, id)
			if len(th.handlers) == 0 && t.topics[wire] == th {
				delete(t.topics, wire)
			}
			t.subMu.Unlock()
			return nil, xbroker.NewTransportError(TransportName, "subscribe", fmt.Errorf("%w: %w", ErrSubscribeFailed, err))
		}
		t.logger.Debug().Str("topic", wire).Msg("mqtt subscribed")
	}

	return &subscription{t: t, wire: wire, id: id}, nil
}

// messageHandler fans a paho message out to the handlers of its topic.
func (t *Transport) messageHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error().Str("topic", msg.Topic()).Str("panic", fmt.Sprint(r)).Msg("mqtt handler panic recovered")
			}
		}()

		t.subMu.RLock()
		th, ok := t.topics[msg.Topic()]
		var handlers []func(xbroker.Delivery)
		if ok {
			handlers = make([]func(xbroker.Delivery), 0, len(th.handlers))
			for _, h := range th.handlers {
				handlers = append(handlers, h)
			}
		}
		t.subMu.RUnlock()

		topic := t.logicalTopic(msg.Topic())
		for _, h := range handlers {
			h(&delivery{msg: msg, topic: topic, codec: t.codec})
		}
	}
}

// restoreSubscriptions re-subscribes every tracked topic after a reconnect.
func (t *Transport) restoreSubscriptions() {
	if t.client == nil {
		return
	}
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for wire := range t.topics {
		t.client.Subscribe(wire, t.cfg.QoS, t.messageHandler())
	}
}

func (t *Transport) unsubscribe(wire string, id uint64) error {
	t.subMu.Lock()
	th, ok := t.topics[wire]
	if !ok {
		t.subMu.Unlock()
		return nil
	}
	delete(th.handlers, id)
	last := len(th.handlers) == 0
	if last {
		delete(t.topics, wire)
	}
	t.subMu.Unlock()

	if !last || t.closed.Load() || !t.client.IsConnectionOpen() {
		return nil
	}
	token := t.client.Unsubscribe(wire)
	if !token.WaitTimeout(t.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: unsubscribe %s: timeout after %v", wire, t.cfg.PublishTimeout)
	}
	return token.Error()
}

// Close disconnects from the broker. Idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.subMu.Lock()
	t.topics = make(map[string]*topicHandlers)
	t.subMu.Unlock()
	t.client.Disconnect(disconnectQuiesce)
	return nil
}

// IsConnected reports whether the client currently holds a live connection.
func (t *Transport) IsConnected() bool {
	return !t.closed.Load() && t.client.IsConnectionOpen()
}

type subscription struct {
	t    *Transport
	wire string
	id   uint64
	once sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.t.unsubscribe(s.wire, s.id) })
	return err
}

type delivery struct {
	msg   pahomqtt.Message
	topic string
	codec xbroker.Codec
}

func (d *delivery) Envelope() (*xbroker.Envelope, error) {
	return xbroker.DecodeEnvelope(d.codec, d.topic, d.msg.Payload())
}

func (d *delivery) Ack(_ context.Context) error {
	d.msg.Ack()
	return nil
}

// Nack is a no-op: MQTT has no negative acknowledgement.
func (d *delivery) Nack(_ context.Context, _ error) error { return nil }
