package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itsneelabh/qerrors/core"
)

// TestGroupSingleFlight verifies a burst of identical requests costs one
// upstream call.
func TestGroupSingleFlight(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func(context.Context) (string, error) {
		calls.Add(1)
		close(started)
		<-release
		return "advice-payload", nil
	}

	type result struct {
		val    string
		shared bool
		err    error
	}
	results := make(chan result, 5)
	go func() {
		v, shared, err := g.Do(context.Background(), "fp-1", fn)
		results <- result{v, shared, err}
	}()

	<-started
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, shared, err := g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
				calls.Add(1)
				return "should not run", nil
			})
			results <- result{v, shared, err}
		}()
	}
	close(release)
	wg.Wait()

	leaders := 0
	for i := 0; i < 5; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Do returned %v, want nil", r.err)
		}
		if r.val != "advice-payload" {
			t.Errorf("Do value = %q, want advice-payload", r.val)
		}
		if !r.shared {
			leaders++
		}
	}
	if leaders != 1 {
		t.Errorf("unshared results = %d, want 1", leaders)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

// TestGroupRecentCache verifies completed responses are reused inside the
// TTL without re-requesting.
func TestGroupRecentCache(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "cached-value", nil
	}

	v, shared, err := g.Do(context.Background(), "fp-1", fn)
	if err != nil || shared || v != "cached-value" {
		t.Fatalf("first Do = (%q, %v, %v), want (cached-value, false, nil)", v, shared, err)
	}

	v, shared, err = g.Do(context.Background(), "fp-1", fn)
	if err != nil {
		t.Fatalf("second Do returned %v, want nil", err)
	}
	if !shared || v != "cached-value" {
		t.Errorf("second Do = (%q, %v), want cache hit", v, shared)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

// TestGroupNoReuseWithoutTTL verifies a non-positive TTL disables response
// reuse while sequential calls still work.
func TestGroupNoReuseWithoutTTL(t *testing.T) {
	g := NewGroup[string](8, 0)
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	for i := 0; i < 2; i++ {
		_, shared, err := g.Do(context.Background(), "fp-1", fn)
		if err != nil {
			t.Fatalf("Do %d returned %v, want nil", i+1, err)
		}
		if shared {
			t.Errorf("Do %d shared = true, want false", i+1)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

// TestGroupErrorNotCached verifies failures are never served from the
// response cache.
func TestGroupErrorNotCached(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	var calls atomic.Int32
	boom := errors.New("upstream unavailable")

	_, shared, err := g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
		calls.Add(1)
		return "", boom
	})
	if !errors.Is(err, boom) || shared {
		t.Fatalf("first Do = (shared %v, %v), want own error", shared, err)
	}

	v, _, err := g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
		calls.Add(1)
		return "recovered", nil
	})
	if err != nil || v != "recovered" {
		t.Fatalf("second Do = (%q, %v), want fresh result", v, err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

// TestGroupFollowerCancelled verifies a follower stops waiting when its own
// context ends while the shared request keeps running.
func TestGroupFollowerCancelled(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})

	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
			close(started)
			<-release
			return "v", nil
		})
		leaderErr <- err
	}()
	<-started

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	v, shared, err := g.Do(cancelled, "fp-1", func(context.Context) (string, error) {
		t.Error("follower fn ran")
		return "", nil
	})
	if !errors.Is(err, core.ErrCancelled) {
		t.Errorf("follower Do = %v, want ErrCancelled", err)
	}
	if !shared || v != "" {
		t.Errorf("follower Do = (%q, shared %v), want zero value, shared", v, shared)
	}

	close(release)
	if err := <-leaderErr; err != nil {
		t.Errorf("leader Do returned %v, want nil", err)
	}
}

// TestGroupLeaderPanic verifies a panicking request releases waiters with an
// error and keeps unwinding in the leader, leaving nothing cached.
func TestGroupLeaderPanic(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})

	recovered := make(chan interface{}, 1)
	go func() {
		defer func() { recovered <- recover() }()
		_, _, _ = g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
			close(started)
			<-release
			panic("boom")
		})
	}()
	<-started

	type result struct {
		shared bool
		err    error
	}
	followerRes := make(chan result, 1)
	go func() {
		_, shared, err := g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
			return "should not run", nil
		})
		followerRes <- result{shared, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the follower reach the shared wait
	close(release)

	if got := <-recovered; got != "boom" {
		t.Errorf("leader recovered %v, want boom", got)
	}
	r := <-followerRes
	if !errors.Is(r.err, core.ErrUpstream) {
		t.Errorf("follower err = %v, want ErrUpstream", r.err)
	}
	if !r.shared {
		t.Error("follower shared = false, want true")
	}

	// The aborted response must not poison the cache.
	var calls atomic.Int32
	_, _, err := g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	})
	if err != nil || calls.Load() != 1 {
		t.Errorf("Do after panic = (%v, calls %d), want fresh request", err, calls.Load())
	}
}

// TestGroupForget verifies Forget forces the next request upstream.
func TestGroupForget(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	_, _, _ = g.Do(context.Background(), "fp-1", fn)
	g.Forget("fp-1")
	_, shared, err := g.Do(context.Background(), "fp-1", fn)
	if err != nil || shared {
		t.Errorf("Do after Forget = (shared %v, %v), want fresh request", shared, err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

// TestGroupFlush verifies Flush clears every cached response.
func TestGroupFlush(t *testing.T) {
	g := NewGroup[string](8, time.Minute)
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	_, _, _ = g.Do(context.Background(), "fp-1", fn)
	_, _, _ = g.Do(context.Background(), "fp-2", fn)
	g.Flush()
	_, shared, _ := g.Do(context.Background(), "fp-1", fn)
	if shared {
		t.Error("Do after Flush shared = true, want false")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

// TestGroupInFlight verifies the in-flight gauge.
func TestGroupInFlight(t *testing.T) {
	g := NewGroup[string](0, 0)
	if got := g.InFlight(); got != 0 {
		t.Fatalf("InFlight = %d, want 0", got)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "fp-1", func(context.Context) (string, error) {
			close(started)
			<-release
			return "v", nil
		})
		close(done)
	}()
	<-started

	if got := g.InFlight(); got != 1 {
		t.Errorf("InFlight while running = %d, want 1", got)
	}
	close(release)
	<-done
	if got := g.InFlight(); got != 0 {
		t.Errorf("InFlight after completion = %d, want 0", got)
	}
}
