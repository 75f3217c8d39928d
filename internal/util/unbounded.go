package util

import "sync"

// Unbounded is a FIFO channel without a capacity limit. Send never blocks;
// values are delivered on Out in order. Close stops delivery and drops any
// values that were not yet received.
type Unbounded[T any] struct {
	mu     sync.Mutex
	buf    []T
	signal chan struct{}
	done   chan struct{}
	out    chan T
	once   sync.Once
	closed bool
}

// NewUnbounded starts the delivery goroutine and returns the channel.
func NewUnbounded[T any]() *Unbounded[T] {
	u := &Unbounded[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go u.run()
	return u
}

// Send queues v. It reports false if the channel is closed.
func (u *Unbounded[T]) Send(v T) bool {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	u.buf = append(u.buf, v)
	u.mu.Unlock()

	select {
	case u.signal <- struct{}{}:
	default:
	}
	return true
}

// Out returns the receive side. It is closed after Close.
func (u *Unbounded[T]) Out() <-chan T {
	return u.out
}

// Len returns the number of queued, undelivered values.
func (u *Unbounded[T]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buf)
}

// Close stops delivery. Safe to call more than once.
func (u *Unbounded[T]) Close() {
	u.once.Do(func() {
		u.mu.Lock()
		u.closed = true
		u.buf = nil
		u.mu.Unlock()
		close(u.done)
	})
}

func (u *Unbounded[T]) run() {
	defer close(u.out)
	for {
		u.mu.Lock()
		if len(u.buf) == 0 {
			u.mu.Unlock()
			select {
			case <-u.signal:
				continue
			case <-u.done:
				return
			}
		}
		v := u.buf[0]
		var zero T
		u.buf[0] = zero
		u.buf = u.buf[1:]
		u.mu.Unlock()

		select {
		case u.out <- v:
		case <-u.done:
			return
		}
	}
}
