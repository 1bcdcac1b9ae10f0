package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xbroker"
)

var (
	ErrClosed       = errors.New("nats: transport closed")
	ErrInvalidTopic = fmt.Errorf("nats: %w", xbroker.ErrInvalidTopic)
)

// Transport carries JSON encoded envelopes over core NATS subjects.
// An empty group fans out to every subscriber; a named group becomes a
// NATS queue group where each message reaches one member.
type Transport struct {
	cfg    Config
	conn   *natsgo.Conn
	owns   bool
	codec  xbroker.Codec
	logger *xlog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

var _ xbroker.Transport = (*Transport)(nil)

// NewTransport connects to cfg.URL.
func NewTransport(cfg Config, logger *xlog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	lg := logger.With(xlog.Str("transport", TransportName))

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.Timeout(cfg.ConnectTimeout),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.Compression(cfg.Compression),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				lg.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			lg.Info().Str("url", c.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, s *natsgo.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			lg.Error().Err(err).Str("subject", subject).Msg("nats async error")
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsgo.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsgo.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, xbroker.NewTransportError(TransportName, "connect", err)
	}
	t := NewTransportWithConn(cfg, conn, logger)
	t.owns = true
	return t, nil
}

// NewTransportWithConn uses an existing connection. The connection is not
// closed by Close.
func NewTransportWithConn(cfg Config, conn *natsgo.Conn, logger *xlog.Logger) *Transport {
	if logger == nil {
		logger = xlog.Default()
	}
	return &Transport{
		cfg:    cfg,
		conn:   conn,
		codec:  xbroker.JSONCodec{},
		logger: logger.With(xlog.Str("transport", TransportName)),
		subs:   make(map[*subscription]struct{}),
	}
}

func (t *Transport) subject(topic string) string {
	if t.cfg.SubjectPrefix == "" {
		return topic
	}
	return t.cfg.SubjectPrefix + "." + topic
}

func (t *Transport) topic(subject string) string {
	if t.cfg.SubjectPrefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, t.cfg.SubjectPrefix+".")
}

// Publish encodes env and writes it to the topic subject. With a
// FlushTimeout the call waits for the server to acknowledge the write.
func (t *Transport) Publish(ctx context.Context, topic string, env *xbroker.Envelope) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	if topic == "" || strings.ContainsAny(topic, " *>") {
		return "", ErrInvalidTopic
	}
	data, err := xbroker.EncodeEnvelope(t.codec, env)
	if err != nil {
		return "", err
	}
	if err := t.conn.Publish(t.subject(topic), data); err != nil {
		return "", xbroker.NewTransportError(TransportName, "publish", err)
	}
	if t.cfg.FlushTimeout > 0 {
		fctx, cancel := context.WithTimeout(ctx, t.cfg.FlushTimeout)
		defer cancel()
		if err := t.conn.FlushWithContext(fctx); err != nil {
			return "", xbroker.NewTransportError(TransportName, "flush", err)
		}
	}
	return env.ID, nil
}

// Subscribe registers handler on topic. group selects queue semantics.
func (t *Transport) Subscribe(_ context.Context, topic, group string, handler func(xbroker.Delivery)) (xbroker.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if topic == "" {
		return nil, ErrInvalidTopic
	}

	cb := t.handle(handler)
	var (
		ns  *natsgo.Subscription
		err error
	)
	if group == "" {
		ns, err = t.conn.Subscribe(t.subject(topic), cb)
	} else {
		ns, err = t.conn.QueueSubscribe(t.subject(topic), group, cb)
	}
	if err != nil {
		return nil, xbroker.NewTransportError(TransportName, "subscribe", err)
	}

	s := &subscription{t: t, sub: ns}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug().Str("subject", ns.Subject).Str("queue", group).Msg("nats subscribed")
	return s, nil
}

func (t *Transport) handle(handler func(xbroker.Delivery)) natsgo.MsgHandler {
	return func(msg *natsgo.Msg) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error().Str("subject", msg.Subject).Str("panic", fmt.Sprint(r)).Msg("nats handler panicked")
			}
		}()
		handler(&delivery{t: t, msg: msg, topic: t.topic(msg.Subject)})
	}
}

// Close unsubscribes everything and closes the connection when owned.
// Idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.owns {
		t.conn.Close()
	}
	return errors.Join(errs...)
}

// IsConnected reports the connection state.
func (t *Transport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

type subscription struct {
	t    *Transport
	sub  *natsgo.Subscription
	once sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		if uerr := s.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, natsgo.ErrConnectionClosed) && !errors.Is(uerr, natsgo.ErrBadSubscription) {
			err = uerr
		}
	})
	return err
}

type delivery struct {
	t     *Transport
	msg   *natsgo.Msg
	topic string
}

func (d *delivery) Envelope() (*xbroker.Envelope, error) {
	return xbroker.DecodeEnvelope(d.t.codec, d.topic, d.msg.Data)
}

// Ack answers a request that carries a reply subject; plain publishes
// need no acknowledgement on core NATS.
func (d *delivery) Ack(_ context.Context) error {
	if d.msg.Reply == "" {
		return nil
	}
	return d.msg.Ack()
}

func (d *delivery) Nack(_ context.Context, _ error) error {
	if d.msg.Reply == "" {
		return nil
	}
	return d.msg.Nak()
}
