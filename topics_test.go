package xbroker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ name string }

// countingResolver records remote round trips. Names listed in existing
// resolve without creation.
type countingResolver struct {
	existing  map[string]bool
	delay     time.Duration
	existsErr error
	createErr error

	exists  atomic.Int64
	creates atomic.Int64
}

func (r *countingResolver) Exists(_ context.Context, name string) (*handle, bool, error) {
	r.exists.Add(1)
	time.Sleep(r.delay)
	if r.existsErr != nil {
		return nil, false, r.existsErr
	}
	if r.existing[name] {
		return &handle{name: name}, true, nil
	}
	return nil, false, nil
}

func (r *countingResolver) Create(_ context.Context, name string) (*handle, error) {
	r.creates.Add(1)
	if r.createErr != nil {
		return nil, r.createErr
	}
	return &handle{name: name}, nil
}

func TestTopicRegistryCachesHandles(t *testing.T) {
	res := &countingResolver{existing: map[string]bool{"orders": true}}
	reg := NewTopicRegistry[*handle](res)
	ctx := context.Background()

	h1, err := reg.Resolve(ctx, "orders")
	require.NoError(t, err)
	h2, err := reg.Resolve(ctx, "orders")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, int64(1), res.exists.Load())
	assert.Equal(t, int64(0), res.creates.Load())
	assert.True(t, reg.Cached("orders"))
}

func TestTopicRegistryCreatesMissing(t *testing.T) {
	res := &countingResolver{}
	reg := NewTopicRegistry[*handle](res)

	h, err := reg.Resolve(context.Background(), "new-topic")
	require.NoError(t, err)
	assert.Equal(t, "new-topic", h.name)
	assert.Equal(t, int64(1), res.creates.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestTopicRegistrySingleFlight(t *testing.T) {
	res := &countingResolver{delay: 50 * time.Millisecond}
	reg := NewTopicRegistry[*handle](res)

	const callers = 32
	handles := make([]*handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.Resolve(context.Background(), "hot")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), res.exists.Load())
	assert.Equal(t, int64(1), res.creates.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestTopicRegistryDoesNotCacheFailures(t *testing.T) {
	boom := errors.New("permission denied")
	res := &countingResolver{createErr: boom}
	reg := NewTopicRegistry[*handle](res)
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTopicUnavailable)
	assert.ErrorIs(t, err, boom)
	var tue *TopicUnavailableError
	require.ErrorAs(t, err, &tue)
	assert.Equal(t, "orders", tue.Topic)
	assert.False(t, reg.Cached("orders"))

	res.createErr = nil
	_, err = reg.Resolve(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.exists.Load(), "failed lookups are retried")
}

func TestTopicRegistryRejectsEmptyName(t *testing.T) {
	reg := NewTopicRegistry[*handle](&countingResolver{})
	_, err := reg.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidTopic)
	assert.ErrorIs(t, err, ErrTopicUnavailable)
}

func TestTopicRegistryEach(t *testing.T) {
	reg := NewTopicRegistry[*handle](TopicResolverFuncs[*handle]{
		ExistsFunc: func(_ context.Context, name string) (*handle, bool, error) {
			return &handle{name: name}, true, nil
		},
		CreateFunc: func(context.Context, string) (*handle, error) {
			return nil, errors.New("unreachable")
		},
	})
	for _, n := range []string{"a", "b", "c"} {
		_, err := reg.Resolve(context.Background(), n)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	reg.Each(func(name string, h *handle) bool {
		seen[name] = h.name == name
		return true
	})
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestTopicRegistryCallerCancelDoesNotFailSharedFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var flightErr atomic.Value
	var enterOnce sync.Once
	reg := NewTopicRegistry[*handle](TopicResolverFuncs[*handle]{
		ExistsFunc: func(ctx context.Context, name string) (*handle, bool, error) {
			enterOnce.Do(func() { close(entered) })
			<-release
			if err := ctx.Err(); err != nil {
				flightErr.Store(err)
				return nil, false, err
			}
			return &handle{name: name}, true, nil
		},
		CreateFunc: func(context.Context, string) (*handle, error) {
			return nil, errors.New("unexpected create")
		},
	})

	impatient, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.Resolve(impatient, "orders")
		firstErr <- err
	}()
	<-entered

	second := make(chan *handle, 1)
	go func() {
		h, err := reg.Resolve(context.Background(), "orders")
		assert.NoError(t, err)
		second <- h
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrTopicUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting on the flight")
	}

	close(release)
	select {
	case h := <-second:
		require.NotNil(t, h)
		assert.Equal(t, "orders", h.name)
	case <-time.After(time.Second):
		t.Fatal("second caller never resolved")
	}
	assert.Nil(t, flightErr.Load(), "the shared lookup ran on an uncancelled context")
	assert.True(t, reg.Cached("orders"))
}
