package xbroker

import (
	"context"
	"time"

	"github.com/alphadose/haxmap"
	"golang.org/x/sync/singleflight"
)

// TopicResolver performs the remote lookups behind a TopicRegistry.
type TopicResolver[H any] interface {
	// Exists returns the handle and true when the topic exists remotely.
	Exists(ctx context.Context, name string) (H, bool, error)
	// Create creates the topic and returns its handle. Implementations should
	// treat "already exists" as success.
	Create(ctx context.Context, name string) (H, error)
}

// TopicResolverFuncs adapts two plain functions to TopicResolver.
type TopicResolverFuncs[H any] struct {
	ExistsFunc func(ctx context.Context, name string) (H, bool, error)
	CreateFunc func(ctx context.Context, name string) (H, error)
}

func (f TopicResolverFuncs[H]) Exists(ctx context.Context, name string) (H, bool, error) {
	return f.ExistsFunc(ctx, name)
}

func (f TopicResolverFuncs[H]) Create(ctx context.Context, name string) (H, error) {
	return f.CreateFunc(ctx, name)
}

// resolveTimeout bounds one shared Exists/Create round trip.
const resolveTimeout = 30 * time.Second

// TopicRegistry lazily resolves topic names to handles, creating topics that
// do not exist, and caches the result for its lifetime. Entries are never
// evicted. Concurrent first resolutions of one name share a single remote
// round trip.
type TopicRegistry[H any] struct {
	resolver TopicResolver[H]
	cache    *haxmap.Map[string, H]
	group    singleflight.Group
}

func NewTopicRegistry[H any](resolver TopicResolver[H]) *TopicRegistry[H] {
	return &TopicRegistry[H]{
		resolver: resolver,
		cache:    haxmap.New[string, H](),
	}
}

// Resolve returns the cached handle for name or looks it up remotely,
// creating it when absent. Failures are returned as *TopicUnavailableError
// and leave the cache untouched.
func (r *TopicRegistry[H]) Resolve(ctx context.Context, name string) (H, error) {
	var zero H
	if name == "" {
		return zero, &TopicUnavailableError{Topic: name, Err: ErrInvalidTopic}
	}
	if h, ok := r.cache.Get(name); ok {
		return h, nil
	}

	ch := r.group.DoChan(name, func() (any, error) {
		// Another flight may have filled the cache while we queued.
		if h, ok := r.cache.Get(name); ok {
			return h, nil
		}
		// The flight is shared, so one caller giving up must not fail the rest.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		h, exists, err := r.resolver.Exists(fctx, name)
		if err != nil {
			return zero, err
		}
		if !exists {
			h, err = r.resolver.Create(fctx, name)
			if err != nil {
				return zero, err
			}
		}
		r.cache.Set(name, h)
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, &TopicUnavailableError{Topic: name, Err: res.Err}
		}
		return res.Val.(H), nil
	case <-ctx.Done():
		return zero, &TopicUnavailableError{Topic: name, Err: ctx.Err()}
	}
}

// Cached reports whether name has already been resolved.
func (r *TopicRegistry[H]) Cached(name string) bool {
	_, ok := r.cache.Get(name)
	return ok
}

// Each calls fn for every cached handle until fn returns false.
func (r *TopicRegistry[H]) Each(fn func(name string, h H) bool) {
	r.cache.ForEach(fn)
}

// Len returns the number of cached topics.
func (r *TopicRegistry[H]) Len() int {
	return int(r.cache.Len())
}
