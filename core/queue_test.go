package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBoundedQueueFIFO verifies push/pop ordering.
func TestBoundedQueueFIFO(t *testing.T) {
	q := NewBoundedQueue[int](10, 0, false)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(i, 0))
	}

	peek, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, peek)

	for want := 1; want <= 3; want++ {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok = q.Pop()
	assert.False(t, ok)
}

// TestBoundedQueueRejectMode verifies a full queue refuses new items.
func TestBoundedQueueRejectMode(t *testing.T) {
	q := NewBoundedQueue[string](2, 0, false)
	require.NoError(t, q.Push("a", 0))
	require.NoError(t, q.Push("b", 0))

	err := q.Push("c", 0)
	require.Error(t, err)
	assert.True(t, IsQueueFull(err))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	// The queued items are untouched.
	got, _ := q.Pop()
	assert.Equal(t, "a", got)
}

// TestBoundedQueueDropOldest verifies eviction mode reports how many items
// made way.
func TestBoundedQueueDropOldest(t *testing.T) {
	q := NewBoundedQueue[string](2, 0, true)
	_, err := q.PushEvict("a", 0)
	require.NoError(t, err)
	_, err = q.PushEvict("b", 0)
	require.NoError(t, err)

	evicted, err := q.PushEvict("c", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	got, _ := q.Pop()
	assert.Equal(t, "b", got)
}

// TestBoundedQueueByteBudget verifies byte-cap admission in both modes.
func TestBoundedQueueByteBudget(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		q := NewBoundedQueue[string](10, 100, false)
		require.NoError(t, q.Push("a", 60))
		err := q.Push("b", 60)
		require.Error(t, err)
		assert.True(t, IsQueueFull(err))
		assert.Equal(t, int64(60), q.Bytes())
	})

	t.Run("drop oldest", func(t *testing.T) {
		q := NewBoundedQueue[string](10, 100, true)
		_, _ = q.PushEvict("a", 60)
		evicted, err := q.PushEvict("b", 60)
		require.NoError(t, err)
		assert.Equal(t, 1, evicted)
		assert.Equal(t, int64(60), q.Bytes())
	})

	t.Run("oversized item", func(t *testing.T) {
		q := NewBoundedQueue[string](10, 100, true)
		_, err := q.PushEvict("huge", 101)
		require.Error(t, err)
		assert.True(t, IsQueueFull(err))
		assert.Equal(t, 0, q.Len())
	})
}

// TestBoundedQueueSetCapacity verifies shrinking keeps queued items but
// constrains admission.
func TestBoundedQueueSetCapacity(t *testing.T) {
	q := NewBoundedQueue[int](5, 0, false)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(i, 0))
	}

	q.SetCapacity(2)
	assert.Equal(t, 2, q.Capacity())
	assert.Equal(t, 4, q.Len())
	assert.Error(t, q.Push(9, 0))

	// Draining below the new cap re-opens admission.
	for i := 0; i < 3; i++ {
		q.Pop()
	}
	assert.NoError(t, q.Push(9, 0))
}

// TestBoundedQueueClear verifies Clear resets length and byte accounting.
func TestBoundedQueueClear(t *testing.T) {
	q := NewBoundedQueue[int](10, 0, false)
	for i := 0; i < 5; i++ {
		_ = q.Push(i, 3)
	}
	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(0), q.Bytes())
	_, ok := q.Pop()
	assert.False(t, ok)
}

// TestBoundedQueueHeadCompaction verifies the consumed prefix is reclaimed
// without corrupting order across many push/pop cycles.
func TestBoundedQueueHeadCompaction(t *testing.T) {
	q := NewBoundedQueue[int](1000, 0, false)
	next := 0
	for i := 0; i < 500; i++ {
		require.NoError(t, q.Push(i, 0))
	}
	for i := 0; i < 400; i++ {
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, next, got)
		next++
	}
	for i := 500; i < 700; i++ {
		require.NoError(t, q.Push(i, 0))
	}
	for {
		got, ok := q.Pop()
		if !ok {
			break
		}
		require.Equal(t, next, got)
		next++
	}
	assert.Equal(t, 700, next)
}
