package redisstream

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xbroker"
)

func testAddr() string {
	if a := os.Getenv("REDIS_TEST_ADDR"); a != "" {
		return a
	}
	return "127.0.0.1:6379"
}

// redisClient returns a connected Redis client or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     testAddr(),
		Password: os.Getenv("REDIS_TEST_PASSWORD"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func testConfig() Config {
	cfg := Defaults()
	cfg.Addr = testAddr()
	cfg.Password = os.Getenv("REDIS_TEST_PASSWORD")
	cfg.Block = 200 * time.Millisecond
	return cfg
}

// cleanupStream removes a stream together with its consumer group.
func cleanupStream(client *redis.Client, stream, group string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.XGroupDestroy(ctx, stream, group).Err()
	_ = client.Del(ctx, stream).Err()
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestEncodeDecodeValues(t *testing.T) {
	env := xbroker.NewEnvelope([]byte(`{"orderId":42}`), map[string]string{
		xbroker.AttrSenderID: "s1",
		xbroker.AttrReplyTo:  "replies",
	})
	env.ID = "m-1"
	env.Type = "OrderPlaced"

	vals := encodeValues(env, 123)
	assert.Equal(t, "m-1", vals[fieldID])
	assert.Equal(t, "OrderPlaced", vals[fieldType])
	assert.Equal(t, "s1", vals["attr:senderId"])
	assert.Equal(t, int64(123), vals[fieldSentAt])

	// go-redis hands values back as strings
	wire := make(map[string]any, len(vals))
	for k, v := range vals {
		wire[k] = asString(v)
	}
	got, err := decodeEnvelope("orders", "1-0", wire)
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, "OrderPlaced", got.Type)
	assert.Equal(t, "orders", got.Topic)
	assert.JSONEq(t, `{"orderId":42}`, string(got.Data))
	assert.Equal(t, map[string]string{"senderId": "s1", "replyTo": "replies"}, got.Attributes)
}

func TestDecodeFallsBackToEntryID(t *testing.T) {
	got, err := decodeEnvelope("t", "17-3", map[string]any{fieldData: `{}`})
	require.NoError(t, err)
	assert.Equal(t, "17-3", got.ID)
}

func TestDecodeRejectsMalformedEntries(t *testing.T) {
	_, err := decodeEnvelope("t", "1-0", map[string]any{"foo": "bar"})
	assert.ErrorIs(t, err, xbroker.ErrDecode)

	_, err = decodeEnvelope("t", "1-0", map[string]any{fieldData: "not json"})
	assert.ErrorIs(t, err, xbroker.ErrDecode)
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"addr":           "redis:6380",
		"group":          "gw",
		"block":          "1s",
		"max_len_approx": 1000,
	})
	require.NoError(t, c.Validate())
	assert.Equal(t, "redis:6380", c.Addr)
	assert.Equal(t, "gw", c.Group)
	assert.Equal(t, time.Second, c.Block)
	assert.Equal(t, int64(1000), c.MaxLenApprox)

	assert.Equal(t, 1, Defaults().Concurrency, "one worker keeps stream order")

	bad := Defaults()
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())
}

func TestPublish_SingleEnvelope(t *testing.T) {
	client := redisClient(t)
	defer client.Close()

	tr, err := NewTransport(testConfig(), nil)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := uniqueName("xbroker-publish")
	defer cleanupStream(client, topic, "")

	env := xbroker.NewEnvelope([]byte(`{"test":"data"}`), map[string]string{"key": "value"})
	env.ID = "pub-1"
	id, err := tr.Publish(ctx, topic, env)
	require.NoError(t, err)
	assert.Equal(t, "pub-1", id)

	n, err := client.XLen(ctx, topic).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubscribe_ConsumesAllEnvelopes(t *testing.T) {
	client := redisClient(t)
	defer client.Close()

	cfg := testConfig()
	cfg.Concurrency = 4
	tr, err := NewTransport(cfg, nil)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueName("xbroker-consume")
	group := uniqueName("group")
	defer cleanupStream(client, topic, group)

	const numMessages = 50
	var consumed atomic.Int64
	done := make(chan struct{})
	sub, err := tr.Subscribe(ctx, topic, group, func(d xbroker.Delivery) {
		_, err := d.Envelope()
		assert.NoError(t, err)
		assert.NoError(t, d.Ack(ctx))
		if consumed.Add(1) == numMessages {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < numMessages; i++ {
		env := xbroker.NewEnvelope([]byte(fmt.Sprintf(`{"i":%d}`, i)), nil)
		env.ID = fmt.Sprintf("c-%d", i)
		_, err := tr.Publish(ctx, topic, env)
		require.NoError(t, err)
	}

	select {
	case <-done:
		assert.Equal(t, int64(numMessages), consumed.Load())
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for messages (consumed %d/%d)", consumed.Load(), numMessages)
	}

	stats := tr.(StatsReporter).Stats()
	assert.Equal(t, uint64(numMessages), stats.Published)
	assert.Equal(t, uint64(numMessages), stats.Acked)
}

func TestSubscribe_DefaultPreservesStreamOrder(t *testing.T) {
	client := redisClient(t)
	defer client.Close()

	tr, err := NewTransport(testConfig(), nil)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueName("xbroker-order")
	group := uniqueName("group")
	defer cleanupStream(client, topic, group)

	const n = 30
	got := make(chan string, n)
	sub, err := tr.Subscribe(ctx, topic, group, func(d xbroker.Delivery) {
		env, err := d.Envelope()
		if assert.NoError(t, err) {
			got <- env.ID
		}
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("o-%02d", i)
		_, err := tr.Publish(ctx, topic, &xbroker.Envelope{ID: want[i], Data: []byte(`{}`)})
		require.NoError(t, err)
	}

	order := make([]string, 0, n)
	for len(order) < n {
		select {
		case id := <-got:
			order = append(order, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d/%d", len(order), n)
		}
	}
	assert.Equal(t, want, order)
}

func TestDeadLetter_NackWritesToDLQ(t *testing.T) {
	client := redisClient(t)
	defer client.Close()

	topic := uniqueName("xbroker-dlq-src")
	group := uniqueName("group")
	cfg := testConfig()
	cfg.DeadLetter = topic + "-dlq"
	defer cleanupStream(client, topic, group)
	defer cleanupStream(client, cfg.DeadLetter, "")

	tr, err := NewTransport(cfg, nil)
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, topic, group, func(d xbroker.Delivery) {
		assert.NoError(t, d.Nack(ctx, fmt.Errorf("boom")))
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, topic, &xbroker.Envelope{ID: "dl-1", Data: []byte(`{}`)})
	require.NoError(t, err)

	select {
	case <-nacked:
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}

	entries, err := client.XRange(ctx, cfg.DeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, topic, entries[0].Values[fieldOrigTopic])
	assert.Equal(t, "boom", entries[0].Values[fieldError])
	assert.Equal(t, "dl-1", entries[0].Values[fieldID])
}

func TestPublishAfterClose(t *testing.T) {
	client := redisClient(t)
	defer client.Close()

	tr, err := NewTransport(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	_, err = tr.Publish(context.Background(), "x", &xbroker.Envelope{ID: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func BenchmarkPublish(b *testing.B) {
	client := redis.NewClient(&redis.Options{Addr: testAddr()})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available: %v", err)
	}

	tr, err := NewTransport(testConfig(), nil)
	require.NoError(b, err)
	defer tr.Close(context.Background())

	topic := uniqueName("xbroker-bench")
	defer cleanupStream(client, topic, "")
	env := &xbroker.Envelope{ID: "bench", Data: []byte(`{"n":1}`)}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tr.Publish(ctx, topic, env); err != nil {
			b.Fatal(err)
		}
	}
}
