// Package retryqueue runs named operations with retry, backoff and ordered
// result delivery.
//
// Operations sharing a name never overlap: the first to start holds the name
// until its result is returned. Results are returned in (priority, submission)
// order unless the operation asks to skip the line. The queue bounds both the
// number of running operations and the number of results waiting to return,
// but the operation whose result is next in line may always start.
package retryqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/logger"
)

// Config bounds the queue.
type Config struct {
	MaxConcurrentOperations int
	MaxPendingResults       int
	InitialBackoff          time.Duration
	MaxBackoff              time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentOperations: 3,
		MaxPendingResults:       2,
		InitialBackoff:          15 * time.Second,
		MaxBackoff:              60 * time.Second,
	}
}

type status int

const (
	statusPendingRun status = iota
	statusRunning
	statusPendingReturn
	statusRetrying
)

type operation struct {
	id       uint64
	name     string
	priority int
	status   status
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Queue.
type Option func(*Queue)

// WithSleeper replaces the backoff sleeper (for testing).
func WithSleeper(s Sleeper) Option {
	return func(q *Queue) { q.sleep = s }
}

// WithRetryObserver is called with the operation name on every retry.
func WithRetryObserver(fn func(name string)) Option {
	return func(q *Queue) { q.onRetry = fn }
}

// Queue coordinates operations. The zero value is not usable; use New.
type Queue struct {
	cfg     Config
	log     *zap.SugaredLogger
	sleep   Sleeper
	onRetry func(name string)

	mu      sync.Mutex
	wake    chan struct{}
	nextID  uint64
	ops     map[uint64]*operation
	holders map[string]uint64
}

// New creates a queue. Non-positive limits fall back to DefaultConfig.
func New(cfg Config, log *zap.SugaredLogger, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = def.MaxConcurrentOperations
	}
	if cfg.MaxPendingResults <= 0 {
		cfg.MaxPendingResults = def.MaxPendingResults
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	q := &Queue{
		cfg:     cfg,
		log:     logger.AddQueueSymbol(log).Named("retryqueue"),
		sleep:   sleepContext,
		wake:    make(chan struct{}),
		ops:     make(map[uint64]*operation),
		holders: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes op until it succeeds. Errors returned by op are treated as a
// plain retry. Run returns early only when ctx is cancelled.
func Run[T any](
	ctx context.Context,
	q *Queue,
	name string,
	priority int,
	op func(ctx context.Context, state *State) (Result[T], error),
) (T, error) {
	var zero T

	id := q.add(name, priority)
	defer q.remove(id)

	state := newState()
	backoff := q.cfg.InitialBackoff

	for {
		if err := q.await(ctx, func() bool { return q.tryStartLocked(id) }); err != nil {
			return zero, err
		}

		res, err := op(ctx, state)
		state.advance()
		if err != nil {
			q.log.Debugw("Operation failed, retrying",
				logger.FieldQueue, name,
				logger.FieldAttempt, state.Attempt(),
				logger.FieldError, err,
			)
			res = Retry[T]()
		}

		switch res.kind {
		case kindSuccess:
			q.setStatus(id, statusPendingReturn)
			if !res.ignoreReturnOrder {
				if err := q.await(ctx, func() bool { return q.nextReturnIDLocked() == id }); err != nil {
					return zero, err
				}
			}
			return res.value, nil

		case kindRetryAfter:
			q.retrying(id, name, res.delay, state.Attempt())
			if err := q.sleep(ctx, res.delay); err != nil {
				return zero, err
			}
			backoff = minDuration(q.cfg.MaxBackoff, maxDuration(q.cfg.InitialBackoff, 2*res.delay))
			q.setStatus(id, statusPendingRun)

		default:
			q.retrying(id, name, backoff, state.Attempt())
			if err := q.sleep(ctx, backoff); err != nil {
				return zero, err
			}
			backoff = minDuration(q.cfg.MaxBackoff, 2*backoff)
			q.setStatus(id, statusPendingRun)
		}
	}
}

func (q *Queue) retrying(id uint64, name string, delay time.Duration, attempt int) {
	q.setStatus(id, statusRetrying)
	q.log.Debugw("Operation retrying",
		logger.FieldQueue, name,
		logger.FieldAttempt, attempt,
		logger.FieldDelay, delay,
	)
	if q.onRetry != nil {
		q.onRetry(name)
	}
}

func (q *Queue) add(name string, priority int) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	q.ops[id] = &operation{id: id, name: name, priority: priority, status: statusPendingRun}
	q.broadcastLocked()
	return id
}

func (q *Queue) remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op, ok := q.ops[id]; ok {
		if q.holders[op.name] == id {
			delete(q.holders, op.name)
		}
		delete(q.ops, id)
	}
	q.broadcastLocked()
}

func (q *Queue) setStatus(id uint64, s status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op, ok := q.ops[id]; ok {
		op.status = s
	}
	q.broadcastLocked()
}

// broadcastLocked wakes every waiter so it re-evaluates its condition.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// await blocks until cond, evaluated under the lock, returns true.
func (q *Queue) await(ctx context.Context, cond func() bool) error {
	for {
		q.mu.Lock()
		if cond() {
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) tryStartLocked(id uint64) bool {
	if q.nextPendingIDLocked() != id {
		return false
	}
	op := q.ops[id]
	op.status = statusRunning
	q.holders[op.name] = id
	q.broadcastLocked()
	return true
}

// blockedLocked reports whether another operation holds op's name.
func (q *Queue) blockedLocked(op *operation) bool {
	holder, held := q.holders[op.name]
	return held && holder != op.id
}

func before(a, b *operation) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.id < b.id
}

func (q *Queue) nextPendingIDLocked() uint64 {
	running, pendingReturn := 0, 0
	for _, op := range q.ops {
		switch op.status {
		case statusRunning:
			running++
		case statusPendingReturn:
			pendingReturn++
		}
	}
	if running >= q.cfg.MaxConcurrentOperations {
		return 0
	}

	// The next result in line may always start, otherwise a full set of
	// pending results could wait on it forever.
	if next := q.nextReturnIDLocked(); next != 0 && q.ops[next].status == statusPendingRun {
		return next
	}

	if pendingReturn >= q.cfg.MaxPendingResults {
		return 0
	}

	var best *operation
	for _, op := range q.ops {
		if op.status != statusPendingRun || q.blockedLocked(op) {
			continue
		}
		if best == nil || before(op, best) {
			best = op
		}
	}
	if best == nil {
		return 0
	}
	return best.id
}

// nextReturnIDLocked is the operation whose result should be delivered next.
// Operations sleeping on a retry, or waiting on a held name, do not hold up
// the line.
func (q *Queue) nextReturnIDLocked() uint64 {
	var best *operation
	for _, op := range q.ops {
		if op.status == statusRetrying {
			continue
		}
		if op.status == statusPendingRun && q.blockedLocked(op) {
			continue
		}
		if best == nil || before(op, best) {
			best = op
		}
	}
	if best == nil {
		return 0
	}
	return best.id
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
