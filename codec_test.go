package xbroker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

type order struct {
	OrderID int `json:"orderId"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope([]byte(`{"orderId":42}`), map[string]string{
		AttrSenderID:      "s1",
		AttrCorrelationID: "req-1",
		"tenant":          "acme",
	})
	env.ID = "m-1"
	env.Type = "OrderPlaced"
	env.Topic = "ignored-on-the-wire"

	data, err := EncodeEnvelope(nil, env)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ignored-on-the-wire")

	got, err := DecodeEnvelope(JSONCodec{}, "orders", data)
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, "OrderPlaced", got.Type)
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, "s1", got.SenderID())
	assert.Equal(t, "req-1", got.CorrelationID())
	assert.Equal(t, "acme", got.Attributes["tenant"])
	assert.JSONEq(t, `{"orderId":42}`, string(got.Data))
}

func TestEncodeEnvelopeAlwaysWritesAttributes(t *testing.T) {
	data, err := EncodeEnvelope(nil, &Envelope{ID: "x", Data: []byte(`1`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","data":1,"attributes":{}}`, string(data))

	_, err = EncodeEnvelope(nil, nil)
	assert.Error(t, err)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for name, in := range map[string]string{
		"empty":        "",
		"whitespace":   "  \n",
		"not json":     "hello",
		"truncated":    `{"id":"x","data":`,
		"not envelope": `{"foo":"bar"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(nil, "orders", []byte(in))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "orders", de.Topic)
		})
	}
}

func TestDecodeEnvelopeFillsAttributes(t *testing.T) {
	env, err := DecodeEnvelope(nil, "t", []byte(`{"id":"a","data":{}}`))
	require.NoError(t, err)
	assert.NotNil(t, env.Attributes)
	assert.Empty(t, env.SenderID())
}

func TestDecodeAs(t *testing.T) {
	o, err := DecodeAs[order](nil, []byte(`{"orderId":7}`))
	require.NoError(t, err)
	assert.Equal(t, 7, o.OrderID)

	_, err = DecodeAs[order](JSONCodec{}, []byte(`{"orderId":"seven"}`))
	assert.Error(t, err)
}

func TestDecodeUsesInjectedCodec(t *testing.T) {
	env := &Envelope{Data: []byte(`{"orderId":9}`)}

	o, err := Decode[order](context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 9, o.OrderID)

	logger := xlog.Default()
	ctx := withIngestValues(context.Background(), JSONCodec{}, logger)
	c, ok := CodecFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())
	assert.Same(t, logger, LoggerFromContext(ctx))

	o, err = Decode[order](ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 9, o.OrderID)
}

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("msgpack")
	assert.Error(t, err)

	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))
	require.NoError(t, RegisterCodec("json-alias", func() Codec { return JSONCodec{} }))
	_, err = NewCodec("json-alias")
	assert.NoError(t, err)
}

func TestEnvelopeAttributes(t *testing.T) {
	env := NewEnvelope(nil, nil)
	env.SetAttr(AttrReplyTo, "replies")
	assert.Equal(t, "replies", env.ReplyTo())
	env.SetAttr(AttrReplyTo, "")
	_, ok := env.Attributes[AttrReplyTo]
	assert.False(t, ok, "empty value removes the attribute")

	src := map[string]string{"k": "v"}
	env = NewEnvelope([]byte(`{}`), src)
	src["k"] = "changed"
	assert.Equal(t, "v", env.Attributes["k"], "attributes are copied")

	clone := env.Clone()
	clone.Attributes["k"] = "other"
	clone.Data[0] = '['
	assert.Equal(t, "v", env.Attributes["k"])
	assert.Equal(t, byte('{'), env.Data[0])
	assert.Nil(t, (*Envelope)(nil).Clone())
}

func TestEnvelopeWithoutPayloadDecodesAsNull(t *testing.T) {
	data, err := EncodeEnvelope(nil, &Envelope{ID: "empty"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":null`)

	env, err := DecodeEnvelope(nil, "t", data)
	require.NoError(t, err)
	assert.Equal(t, "null", string(env.Data))

	o, err := DecodeAs[*order](nil, env.Data)
	require.NoError(t, err)
	assert.Nil(t, o, "null decodes to the zero value")
}
