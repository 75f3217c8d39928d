package retryqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/errors"
)

// recordingSleeper returns immediately and remembers requested delays
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestQueue(cfg Config) (*Queue, *recordingSleeper) {
	s := &recordingSleeper{}
	return New(cfg, nil, WithSleeper(s.Sleep)), s
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	q, sleeper := newTestQueue(DefaultConfig())

	var attempts []int
	got, err := Run(context.Background(), q, "op", 0, func(ctx context.Context, s *State) (Result[string], error) {
		attempts = append(attempts, s.Attempt())
		if len(attempts) <= 4 {
			return Retry[string](), nil
		}
		return Success("done"), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, attempts, "N retries means N+1 calls with increasing attempts")
	assert.Equal(t, []time.Duration{
		15 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second,
	}, sleeper.Delays())
}

func TestErrorsCountAsRetry(t *testing.T) {
	q, sleeper := newTestQueue(DefaultConfig())

	calls := 0
	got, err := Run(context.Background(), q, "op", 0, func(ctx context.Context, s *State) (Result[int], error) {
		calls++
		if calls == 1 {
			return Result[int]{}, errors.New("network down")
		}
		return Success(7), nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{15 * time.Second}, sleeper.Delays())
}

func TestRetryAfterSleepsExactlyAndAdjustsBackoff(t *testing.T) {
	q, sleeper := newTestQueue(DefaultConfig())

	calls := 0
	_, err := Run(context.Background(), q, "op", 0, func(ctx context.Context, s *State) (Result[bool], error) {
		calls++
		switch calls {
		case 1:
			return RetryAfter[bool](2 * time.Second), nil
		case 2:
			return Retry[bool](), nil
		case 3:
			return RetryAfter[bool](40 * time.Second), nil
		case 4:
			return Retry[bool](), nil
		}
		return Success(true), nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		2 * time.Second,  // exact
		15 * time.Second, // max(initial, 2*2s)
		40 * time.Second, // exact
		60 * time.Second, // min(max, 2*40s)
	}, sleeper.Delays())
}

func TestStateSurvivesRetries(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())

	resolved := 0
	got, err := Run(context.Background(), q, "op", 0, func(ctx context.Context, s *State) (Result[string], error) {
		v, ok := s.Get("payload")
		if !ok {
			resolved++
			s.Set("payload", "cached")
			return Retry[string](), nil
		}
		return Success(v.(string)), nil
	})

	require.NoError(t, err)
	assert.Equal(t, "cached", got)
	assert.Equal(t, 1, resolved)
}

func TestSameNameNeverOverlaps(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), q, "same", 0, func(ctx context.Context, s *State) (Result[int], error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return Success(0), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestResultsReturnInOrder(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{}, 2)
	go func() {
		_, _ = Run(context.Background(), q, "first", 0, func(ctx context.Context, s *State) (Result[int], error) {
			close(started)
			<-release
			return Success(1), nil
		})
		done <- struct{}{}
	}()
	<-started

	go func() {
		_, _ = Run(context.Background(), q, "second", 0, func(ctx context.Context, s *State) (Result[int], error) {
			return Success(2), nil
		})
		done <- struct{}{}
	}()

	select {
	case <-done:
		t.Fatal("second returned before first")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	<-done
}

func TestSuccessIgnoringOrderSkipsTheLine(t *testing.T) {
	q, _ := newTestQueue(DefaultConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = Run(context.Background(), q, "slow", 0, func(ctx context.Context, s *State) (Result[int], error) {
			close(started)
			<-release
			return Success(1), nil
		})
	}()
	<-started

	got, err := Run(context.Background(), q, "fast", 5, func(ctx context.Context, s *State) (Result[string], error) {
		return SuccessIgnoringOrder("skip"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "skip", got)
}

func TestMaxConcurrentOperations(t *testing.T) {
	q, _ := newTestQueue(Config{MaxConcurrentOperations: 1, MaxPendingResults: 2, InitialBackoff: time.Second})

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, _ = Run(context.Background(), q, name, 0, func(ctx context.Context, s *State) (Result[int], error) {
				n := atomic.AddInt32(&inFlight, 1)
				if n > atomic.LoadInt32(&maxInFlight) {
					atomic.StoreInt32(&maxInFlight, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return Success(0), nil
			})
		}(name)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestCancelDuringBackoff(t *testing.T) {
	q := New(Config{InitialBackoff: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, q, "op", 0, func(ctx context.Context, s *State) (Result[int], error) {
		return Retry[int](), nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// The name is released for the next run
	got, err := Run(context.Background(), q, "op", 0, func(ctx context.Context, s *State) (Result[int], error) {
		return Success(3), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestRetryObserver(t *testing.T) {
	var names []string
	q := New(DefaultConfig(), nil,
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		WithRetryObserver(func(name string) { names = append(names, name) }),
	)

	calls := 0
	_, err := Run(context.Background(), q, "observed", 0, func(ctx context.Context, s *State) (Result[int], error) {
		calls++
		if calls < 3 {
			return Retry[int](), nil
		}
		return Success(0), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"observed", "observed"}, names)
}
