package utils

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerPool runs jobs on a bounded number of goroutines. A panicking job is
// recovered and reported by Wait instead of taking the process down.
type WorkerPool struct {
	group  errgroup.Group
	mu     sync.Mutex
	panics []error
}

// NewWorkerPool creates a WorkerPool running at most maxWorkers jobs at once.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	wp := &WorkerPool{}
	if maxWorkers > 0 {
		wp.group.SetLimit(maxWorkers)
	}
	return wp
}

// Submit enqueues a job, blocking while the pool is full.
func (wp *WorkerPool) Submit(name string, job func()) {
	wp.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				wp.mu.Lock()
				wp.panics = append(wp.panics, fmt.Errorf("%s panicked: %v\n%s", name, r, debug.Stack()))
				wp.mu.Unlock()
			}
		}()
		job()
		return nil
	})
}

// Wait blocks until all submitted jobs have completed and returns the
// recovered panics, if any.
func (wp *WorkerPool) Wait() error {
	_ = wp.group.Wait()
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return errors.Join(wp.panics...)
}

// URLSet is a thread-safe set for tracking visited URLs.
type URLSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewURLSet creates an empty URLSet.
func NewURLSet() *URLSet {
	return &URLSet{seen: make(map[string]struct{})}
}

// Add returns true if the URL was newly added, false if already present.
func (s *URLSet) Add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[url]; exists {
		return false
	}
	s.seen[url] = struct{}{}
	return true
}

// Contains returns true if the URL has already been visited.
func (s *URLSet) Contains(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[url]
	return exists
}

// Size returns the number of unique URLs tracked.
func (s *URLSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// KeyedMutex serializes work per key. Entries are dropped once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
