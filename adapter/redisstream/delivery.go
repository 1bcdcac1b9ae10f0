package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xbroker"
)

// delivery implements xbroker.Delivery for one stream entry.
type delivery struct {
	t      *transport
	topic  string
	group  string
	id     string
	values map[string]any

	// Ack/Nack happen at most once
	onceAck sync.Once
}

func (d *delivery) Envelope() (*xbroker.Envelope, error) {
	return decodeEnvelope(d.topic, d.id, d.values)
}

// Ack acknowledges the entry and optionally deletes it from the stream.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err()
		if err == nil {
			d.t.metrics.acked.Add(1)
			if d.t.cfg.AutoDeleteOnAck {
				_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
			}
		}
	})
	return err
}

// Nack copies the entry to the dead-letter stream and acks it when one is
// configured; otherwise the entry stays pending for redelivery.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)
	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}

	values := make(map[string]any, len(d.values)+3)
	for k, v := range d.values {
		values[k] = v
	}
	values[fieldOrigTopic] = d.topic
	values[fieldOrigID] = d.id
	values[fieldError] = fmt.Sprintf("%v", reason)

	if err := d.t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
		return err
	}
	return d.Ack(ctx)
}

// encodeValues flattens an envelope into XADD fields.
func encodeValues(env *xbroker.Envelope, sentAtNs int64) map[string]any {
	vals := make(map[string]any, 4+len(env.Attributes))
	vals[fieldID] = env.ID
	if env.Type != "" {
		vals[fieldType] = env.Type
	}
	vals[fieldData] = []byte(env.Data)
	vals[fieldSentAt] = sentAtNs
	for k, v := range env.Attributes {
		vals[fieldAttrPrefix+k] = v
	}
	return vals
}

// decodeEnvelope rebuilds an envelope from stream entry values. The entry
// id stands in when the producer did not set one.
func decodeEnvelope(topic, entryID string, vals map[string]any) (*xbroker.Envelope, error) {
	raw, ok := vals[fieldData]
	if !ok {
		return nil, &xbroker.DecodeError{Topic: topic, Err: errors.New("entry has no data field")}
	}
	data := []byte(asString(raw))
	if !json.Valid(data) {
		return nil, &xbroker.DecodeError{Topic: topic, Err: errors.New("data is not a JSON document")}
	}

	env := &xbroker.Envelope{
		ID:         asString(vals[fieldID]),
		Type:       asString(vals[fieldType]),
		Data:       data,
		Attributes: make(map[string]string, 4),
		Topic:      topic,
	}
	if env.ID == "" {
		env.ID = entryID
	}
	for k, v := range vals {
		if name, ok := strings.CutPrefix(k, fieldAttrPrefix); ok {
			env.Attributes[name] = asString(v)
		}
	}
	return env, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
