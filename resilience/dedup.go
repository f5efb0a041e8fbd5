package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/qerrors/core"
)

// call is one in-flight shared operation.
type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Group deduplicates identical upstream requests. Concurrent callers with
// the same key share a single in-flight call, and completed responses are
// reused from a short-TTL cache, so a burst of the same error costs one
// upstream request. The leader's context governs the shared request; a
// follower whose own context ends stops waiting without cancelling it.
type Group[V any] struct {
	mu       sync.Mutex
	inflight map[string]*call[V]
	recent   *core.LRUCache[string, V]
}

// NewGroup builds a group whose response cache keeps up to cacheSize
// responses for ttl. A non-positive ttl disables response reuse; in-flight
// sharing always applies.
func NewGroup[V any](cacheSize int, ttl time.Duration) *Group[V] {
	g := &Group[V]{inflight: make(map[string]*call[V])}
	if ttl > 0 {
		if cacheSize <= 0 {
			cacheSize = 256
		}
		g.recent = core.NewLRUCache[string, V](cacheSize, 0, ttl)
	}
	return g
}

// Do returns the response for key, sharing work with concurrent callers.
// shared reports that the result came from the response cache or another
// caller's in-flight request rather than fn.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	if g.recent != nil {
		if hit, ok := g.recent.Get(key); ok {
			return hit, true, nil
		}
	}

	g.mu.Lock()
	if c, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, &core.Error{
				Op:      "dedup.wait",
				Kind:    "resilience",
				Message: "context done while waiting on shared request",
				Err:     core.ErrCancelled,
			}
		}
	}
	c := &call[V]{done: make(chan struct{})}
	g.inflight[key] = c
	g.mu.Unlock()

	// A panicking fn must still release followers, then keep unwinding in
	// the leader.
	finished := false
	defer func() {
		if !finished {
			c.err = &core.Error{
				Op:      "dedup.do",
				Kind:    "resilience",
				Message: fmt.Sprintf("shared request for %s aborted", key),
				Err:     core.ErrUpstream,
			}
			g.finish(key, c, false)
		}
	}()

	c.val, c.err = fn(ctx)
	finished = true
	g.finish(key, c, c.err == nil)
	return c.val, false, c.err
}

// finish publishes the outcome: cache a success while the call is still
// registered (late arrivals wait on it instead of re-requesting), then
// deregister and release waiters.
func (g *Group[V]) finish(key string, c *call[V], cache bool) {
	if cache && g.recent != nil {
		g.recent.Set(key, c.val, 0)
	}
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
	close(c.done)
}

// Forget drops the cached response for key, forcing the next Do upstream.
func (g *Group[V]) Forget(key string) {
	if g.recent != nil {
		g.recent.Delete(key)
	}
}

// Flush clears the whole response cache.
func (g *Group[V]) Flush() {
	if g.recent != nil {
		g.recent.Clear()
	}
}

// InFlight reports how many distinct keys are currently being requested.
func (g *Group[V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
