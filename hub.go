package xbroker

import (
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
)

// Hub is the reply bus: a hot broadcast of every inbound envelope to a set of
// filtered subscriptions. It retains only the most recent envelope, which is
// replayed to a new subscription when it matches the subscription filter.
// Delivery never blocks the publisher; a subscription whose buffer is full
// misses the update.
//
// Envelopes are shared between subscribers and must be treated as read-only.
type Hub struct {
	subs       *haxmap.Map[uint64, *HubSubscription]
	nextID     atomic.Uint64
	pending    atomic.Int64
	maxPending int64
	latest     atomic.Pointer[Envelope]
	closed     atomic.Bool
	dropped    atomic.Uint64
	published  atomic.Uint64
}

// HubOptions shape a single subscription.
type HubOptions struct {
	// Buffer is the channel capacity (minimum 1).
	Buffer int
	// Bounded subscriptions count against the hub's pending limit.
	Bounded bool
	// CloseOnShutdown closes the channel when the hub shuts down.
	// Subscriptions without it are only deregistered and keep their channel open.
	CloseOnShutdown bool
	// ReplayLatest delivers the retained envelope on registration if it matches.
	ReplayLatest bool
}

// NewHub creates a hub. maxPending bounds the number of Bounded
// subscriptions alive at once; zero or negative means unbounded.
func NewHub(maxPending int) *Hub {
	return &Hub{
		subs:       haxmap.New[uint64, *HubSubscription](),
		maxPending: int64(maxPending),
	}
}

// HubSubscription is a filtered view of the hub.
type HubSubscription struct {
	id      uint64
	hub     *Hub
	filter  func(*Envelope) bool
	ch      chan *Envelope
	opts    HubOptions
	mu      sync.Mutex
	done    bool
	last    *Envelope
	dropped atomic.Uint64
}

// C returns the receive channel.
func (s *HubSubscription) C() <-chan *Envelope { return s.ch }

// Dropped returns how many matching envelopes were lost to a full buffer.
func (s *HubSubscription) Dropped() uint64 { return s.dropped.Load() }

// Close deregisters the subscription. Idempotent.
func (s *HubSubscription) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	if s.opts.CloseOnShutdown {
		close(s.ch)
	}
	s.mu.Unlock()

	s.hub.subs.Del(s.id)
	if s.opts.Bounded {
		s.hub.pending.Add(-1)
	}
	return nil
}

func (s *HubSubscription) deliver(env *Envelope) {
	if s.filter != nil && !s.filter(env) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || env == s.last {
		return
	}
	select {
	case s.ch <- env:
		s.last = env
	default:
		s.dropped.Add(1)
		s.hub.dropped.Add(1)
	}
}

// Subscribe registers a filtered subscription. A nil filter matches everything.
func (h *Hub) Subscribe(filter func(*Envelope) bool, opts HubOptions) (*HubSubscription, error) {
	if h.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if opts.Buffer < 1 {
		opts.Buffer = 1
	}
	if opts.Bounded {
		if n := h.pending.Add(1); h.maxPending > 0 && n > h.maxPending {
			h.pending.Add(-1)
			return nil, ErrTooManyPendingReplies
		}
	}

	s := &HubSubscription{
		id:     h.nextID.Add(1),
		hub:    h,
		filter: filter,
		ch:     make(chan *Envelope, opts.Buffer),
		opts:   opts,
	}
	h.subs.Set(s.id, s)

	if opts.ReplayLatest {
		if env := h.latest.Load(); env != nil {
			s.deliver(env)
		}
	}
	return s, nil
}

// Publish broadcasts env to every matching subscription and retains it as
// the latest value. It is a no-op once the hub has shut down.
func (h *Hub) Publish(env *Envelope) {
	if env == nil || h.closed.Load() {
		return
	}
	h.published.Add(1)
	h.latest.Store(env)
	h.subs.ForEach(func(_ uint64, s *HubSubscription) bool {
		s.deliver(env)
		return true
	})
}

// Latest returns the most recent envelope, or nil.
func (h *Hub) Latest() *Envelope { return h.latest.Load() }

// Pending returns the number of live bounded subscriptions.
func (h *Hub) Pending() int64 { return h.pending.Load() }

// Len returns the number of live subscriptions.
func (h *Hub) Len() int { return int(h.subs.Len()) }

// Dropped returns the total number of deliveries lost to full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Shutdown stops ingestion into the hub and closes every subscription that
// asked for it. Bounded waiters are left registered and run into their own
// deadline.
func (h *Hub) Shutdown() {
	if h.closed.Swap(true) {
		return
	}
	var closing []*HubSubscription
	h.subs.ForEach(func(_ uint64, s *HubSubscription) bool {
		if s.opts.CloseOnShutdown {
			closing = append(closing, s)
		}
		return true
	})
	for _, s := range closing {
		_ = s.Close()
	}
}
