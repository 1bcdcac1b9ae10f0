package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xbroker"
)

func envelope(id string) *xbroker.Envelope {
	env := xbroker.NewEnvelope([]byte(`{"n":1}`), map[string]string{xbroker.AttrSenderID: "s1"})
	env.ID = id
	env.Type = "Test"
	return env
}

func TestPublishFansOutToPrivateSubscribers(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()

	var a, b atomic.Int64
	subA, err := tr.Subscribe(ctx, "events", "", func(d xbroker.Delivery) {
		env, err := d.Envelope()
		if assert.NoError(t, err) {
			assert.Equal(t, "events", env.Topic)
			assert.Equal(t, "s1", env.SenderID())
		}
		_ = d.Ack(ctx)
		a.Add(1)
	})
	require.NoError(t, err)
	defer subA.Close()
	subB, err := tr.Subscribe(ctx, "events", "", func(d xbroker.Delivery) {
		_ = d.Ack(ctx)
		b.Add(1)
	})
	require.NoError(t, err)
	defer subB.Close()

	id, err := tr.Publish(ctx, "events", envelope("e-1"))
	require.NoError(t, err)
	assert.Equal(t, "e-1", id)

	assert.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), tr.Stats().Acked)
}

func TestGroupMembersCompete(t *testing.T) {
	tr := NewTransport(Config{Concurrency: 2})
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(d xbroker.Delivery) {
		env, err := d.Envelope()
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		seen[env.ID]++
		mu.Unlock()
		_ = d.Ack(ctx)
	}
	s1, err := tr.Subscribe(ctx, "work", "workers", handler)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := tr.Subscribe(ctx, "work", "workers", handler)
	require.NoError(t, err)
	defer s2.Close()

	const n = 100
	for i := 0; i < n; i++ {
		_, err := tr.Publish(ctx, "work", envelope(""))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, time.Second, time.Millisecond)
	mu.Lock()
	for id, c := range seen {
		assert.Equal(t, 1, c, "message %s delivered more than once", id)
	}
	mu.Unlock()
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	tr := NewTransport(Config{})
	id, err := tr.Publish(context.Background(), "nowhere", envelope(""))
	require.NoError(t, err)
	assert.NotEmpty(t, id, "an id is assigned")
	assert.Equal(t, uint64(1), tr.Stats().Dropped)
}

func TestPublishRawSurfacesDecodeError(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()

	errs := make(chan error, 1)
	sub, err := tr.Subscribe(ctx, "raw", "", func(d xbroker.Delivery) {
		_, err := d.Envelope()
		errs <- err
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.PublishRaw(ctx, "raw", []byte("garbage")))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, xbroker.ErrDecode)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestNackRedelivers(t *testing.T) {
	tr := NewTransport(Config{RedeliveryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	var attempts atomic.Int64
	done := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "retry", "g", func(d xbroker.Delivery) {
		if attempts.Add(1) == 1 {
			_ = d.Nack(ctx, assert.AnError)
			return
		}
		_ = d.Ack(ctx)
		close(done)
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, "retry", envelope("r-1"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("message was not redelivered")
	}
	s := tr.Stats()
	assert.Equal(t, uint64(1), s.Nacked)
	assert.Equal(t, uint64(1), s.Redelivered)
	assert.Equal(t, uint64(1), s.Acked)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()
	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	_, err := tr.Publish(ctx, "t", envelope("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Subscribe(ctx, "t", "", func(xbroker.Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = NewTransport(Config{}).Subscribe(ctx, "", "", func(xbroker.Delivery) {})
	assert.ErrorIs(t, err, xbroker.ErrInvalidTopic)
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"buffer_size":      "32",
		"concurrency":      float64(4),
		"redelivery_delay": "250ms",
	})
	assert.Equal(t, Config{BufferSize: 32, Concurrency: 4, RedeliveryDelay: 250 * time.Millisecond}, c)
	assert.Equal(t, c, ConfigFromMap(c.toMap()))

	d := ConfigFromMap(nil)
	assert.Equal(t, 1024, d.BufferSize)
	assert.Equal(t, 1, d.Concurrency)
}

func TestRegisteredFactory(t *testing.T) {
	tr, err := xbroker.NewTransport(TransportName, map[string]any{"buffer_size": 8})
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)
	assert.Contains(t, xbroker.Transports(), TransportName)
}
