package xbroker

import "time"

// CallOption tunes a single Forward / ForwardAndGetReply call.
type CallOption func(*callOptions)

type callOptions struct {
	messageID     string
	correlationID string
	timeout       time.Duration
	ignoreSelf    bool
	attributes    map[string]string
}

func defaultCallOptions(timeout time.Duration) callOptions {
	return callOptions{timeout: timeout, ignoreSelf: true}
}

// WithMessageID supplies the message id instead of generating one. For
// ForwardAndGetReply it is also the correlation id the reply must carry.
func WithMessageID(id string) CallOption {
	return func(o *callOptions) { o.messageID = id }
}

// WithCorrelationID sets the outgoing correlationId attribute, used when
// the publish itself answers or continues another request.
func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) { o.correlationID = id }
}

// WithTimeout overrides the broker reply timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithIgnoreSelfEvents controls whether replies sent by this broker are skipped (default true).
func WithIgnoreSelfEvents(ignore bool) CallOption {
	return func(o *callOptions) { o.ignoreSelf = ignore }
}

// WithAttributes adds extra envelope attributes. Reserved keys set by the
// broker (senderId, replyTo, correlationId) take precedence.
func WithAttributes(attrs map[string]string) CallOption {
	return func(o *callOptions) {
		if len(attrs) == 0 {
			return
		}
		if o.attributes == nil {
			o.attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			o.attributes[k] = v
		}
	}
}
