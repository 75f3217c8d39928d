package retryqueue

import (
	"sync"
	"time"
)

type resultKind int

const (
	kindSuccess resultKind = iota
	kindRetry
	kindRetryAfter
)

// Result is what an operation attempt returns.
type Result[T any] struct {
	kind              resultKind
	value             T
	ignoreReturnOrder bool
	delay             time.Duration
}

// Success completes the run with v, delivered in order.
func Success[T any](v T) Result[T] {
	return Result[T]{kind: kindSuccess, value: v}
}

// SuccessIgnoringOrder completes the run with v without waiting for
// earlier operations to return.
func SuccessIgnoringOrder[T any](v T) Result[T] {
	return Result[T]{kind: kindSuccess, value: v, ignoreReturnOrder: true}
}

// Retry runs the operation again after the current backoff.
func Retry[T any]() Result[T] {
	return Result[T]{kind: kindRetry}
}

// RetryAfter runs the operation again after exactly d.
func RetryAfter[T any](d time.Duration) Result[T] {
	return Result[T]{kind: kindRetryAfter, delay: d}
}

// State is a per-run cache that survives retries of the same run.
type State struct {
	mu      sync.Mutex
	values  map[string]any
	attempt int
}

func newState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns a cached value.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set caches a value for later attempts.
func (s *State) Set(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// Attempt is the 0-based index of the current attempt.
func (s *State) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *State) advance() {
	s.mu.Lock()
	s.attempt++
	s.mu.Unlock()
}
