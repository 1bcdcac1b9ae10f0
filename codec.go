package xbroker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
)

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// EncodeEnvelope serializes a full envelope. A nil codec means JSON.
// An absent payload (nil Data) is written as JSON null and decodes as the
// raw bytes `null`, which every JSON decoder accepts as an empty value.
func EncodeEnvelope(c Codec, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("xbroker: nil envelope")
	}
	if c == nil {
		c = JSONCodec{}
	}
	wire := *env
	if wire.Attributes == nil {
		wire.Attributes = map[string]string{}
	}
	return c.Marshal(&wire)
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope. Malformed input
// yields a *DecodeError. topic is only used for error reporting and is
// stamped onto the returned envelope.
func DecodeEnvelope(c Codec, topic string, data []byte) (*Envelope, error) {
	if c == nil {
		c = JSONCodec{}
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Topic: topic, Err: errors.New("empty message")}
	}
	var env Envelope
	if err := c.Unmarshal(trimmed, &env); err != nil {
		return nil, &DecodeError{Topic: topic, Err: err}
	}
	if env.ID == "" && env.Data == nil && env.Attributes == nil {
		return nil, &DecodeError{Topic: topic, Err: errors.New("not an envelope")}
	}
	if env.Attributes == nil {
		env.Attributes = map[string]string{}
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	env.Topic = topic
	return &env, nil
}

// DecodeAs unmarshals an envelope's Data into T using the provided codec.
func DecodeAs[T any](c Codec, data []byte) (T, error) {
	var v T
	if c == nil {
		c = JSONCodec{}
	}
	if err := c.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Decode unmarshals env.Data into T using a Codec found in ctx.
// Falls back to the default "json" codec if none was injected.
func Decode[T any](ctx context.Context, env *Envelope) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeAs[T](c, env.Data)
}
