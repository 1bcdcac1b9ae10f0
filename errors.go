package xbroker

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Match with errors.Is; the typed errors below unwrap to them.
var (
	ErrBrokerClosed          = errors.New("xbroker: broker is closed")
	ErrNoTransportConfigured = errors.New("xbroker: no transport configured")
	ErrNoReplyTopic          = errors.New("xbroker: reply topic is required")
	ErrInvalidTopic          = errors.New("xbroker: topic must not be empty")
	ErrTooManyPendingReplies = errors.New("xbroker: too many pending replies")
	ErrHandlerPanic          = errors.New("xbroker: ingestion handler panic")
	ErrCircuitOpen           = errors.New("xbroker: publish circuit open")

	ErrObserverPoolShutdownTimeout = errors.New("xbroker: observer pool shutdown timeout")

	ErrDecode              = errors.New("xbroker: malformed envelope")
	ErrTopicUnavailable    = errors.New("xbroker: topic unavailable")
	ErrReplyTimeout        = errors.New("xbroker: reply timeout")
	ErrTransportConnection = errors.New("xbroker: transport connection error")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// DecodeError reports an inbound message that could not be turned into an Envelope.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
	}
	return fmt.Sprintf("%v on %q: %v", ErrDecode, e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// TopicUnavailableError is returned when a topic or subscription cannot be resolved or created.
type TopicUnavailableError struct {
	Topic string
	Err   error
}

func (e *TopicUnavailableError) Error() string {
	return fmt.Sprintf("%v: %q: %v", ErrTopicUnavailable, e.Topic, e.Err)
}

func (e *TopicUnavailableError) Unwrap() []error { return []error{ErrTopicUnavailable, e.Err} }

// ReplyTimeoutError is returned by ForwardAndGetReply when no matching reply arrived in time.
type ReplyTimeoutError struct {
	Topic         string
	CorrelationID string
	Timeout       time.Duration
}

func (e *ReplyTimeoutError) Error() string {
	return fmt.Sprintf("%v: no reply for %s on %q within %v", ErrReplyTimeout, e.CorrelationID, e.Topic, e.Timeout)
}

func (e *ReplyTimeoutError) Unwrap() error { return ErrReplyTimeout }

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrTransportConnection, e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransportConnection, e.Err} }

// NewTransportError is a helper for adapters.
func NewTransportError(transport, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Transport: transport, Op: op, Err: err}
}

func isConnectionError(err error) bool {
	return errors.Is(err, ErrTransportConnection)
}
