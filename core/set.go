package core

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// BoundedSet tracks membership for at most maxEntries keys, evicting the
// least recently touched key when full. Safe for concurrent use.
type BoundedSet[K comparable] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, struct{}]
}

// NewBoundedSet builds a set holding at most maxEntries keys.
func NewBoundedSet[K comparable](maxEntries int) *BoundedSet[K] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	lru, err := simplelru.NewLRU[K, struct{}](maxEntries, nil)
	if err != nil {
		panic(err)
	}
	return &BoundedSet[K]{lru: lru}
}

// Add inserts key and reports whether it was absent before.
func (s *BoundedSet[K]) Add(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lru.Get(key); ok {
		return false
	}
	s.lru.Add(key, struct{}{})
	return true
}

// Has reports membership and refreshes recency.
func (s *BoundedSet[K]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lru.Get(key)
	return ok
}

// Remove deletes key. Returns whether it was present.
func (s *BoundedSet[K]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Remove(key)
}

// Len returns the current key count.
func (s *BoundedSet[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Clear drops every key.
func (s *BoundedSet[K]) Clear() {
	s.mu.Lock()
	s.lru.Purge()
	s.mu.Unlock()
}
