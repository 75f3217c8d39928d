package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/automation"
)

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(opts ...Option) (*Processor, *recordingSleeper) {
	s := &recordingSleeper{}
	base := []Option{WithClock(func() time.Time { return now }), WithSleeper(s.Sleep)}
	return NewProcessor(nil, append(base, opts...)...), s
}

func TestSleepsFullDelay(t *testing.T) {
	p, s := newTestProcessor()
	require.NoError(t, p.Process(context.Background(), &automation.Delay{Seconds: 100}, now))
	assert.Equal(t, []time.Duration{100 * time.Second}, s.Sleeps())
}

func TestSleepsRemainingDelay(t *testing.T) {
	p, s := newTestProcessor()
	require.NoError(t, p.Process(context.Background(), &automation.Delay{Seconds: 100}, now.Add(-50*time.Second)))
	assert.Equal(t, []time.Duration{50 * time.Second}, s.Sleeps())
}

func TestSkipsElapsedDelay(t *testing.T) {
	p, s := newTestProcessor()
	require.NoError(t, p.Process(context.Background(), &automation.Delay{Seconds: 100}, now.Add(-100*time.Second)))
	require.NoError(t, p.Process(context.Background(), nil, now))
	assert.Empty(t, s.Sleeps())
}

func TestPreprocessLeavesThreshold(t *testing.T) {
	p, s := newTestProcessor()
	require.NoError(t, p.Preprocess(context.Background(), &automation.Delay{Seconds: 100}, now))
	require.NoError(t, p.Preprocess(context.Background(), &automation.Delay{Seconds: 20}, now))
	assert.Equal(t, []time.Duration{70 * time.Second}, s.Sleeps())
}

func TestNilAndEmptyDelayAreMet(t *testing.T) {
	p, _ := newTestProcessor()
	assert.True(t, p.AreConditionsMet(nil))
	assert.True(t, p.AreConditionsMet(&automation.Delay{}))
}

func TestScreenCondition(t *testing.T) {
	p, _ := newTestProcessor()
	d := &automation.Delay{Screens: []string{"screen1", "screen2"}}

	assert.False(t, p.AreConditionsMet(d))
	p.OnEvent(automation.ScreenViewEvent("screen1"))
	assert.True(t, p.AreConditionsMet(d))
	p.OnEvent(automation.ScreenViewEvent("screen3"))
	assert.False(t, p.AreConditionsMet(d))
}

func TestRegionCondition(t *testing.T) {
	p, _ := newTestProcessor()
	d := &automation.Delay{RegionID: "foo"}

	assert.False(t, p.AreConditionsMet(d))
	p.OnEvent(automation.RegionEnterEvent("foo"))
	p.OnEvent(automation.RegionEnterEvent("baz"))
	assert.True(t, p.AreConditionsMet(d))
	p.OnEvent(automation.RegionExitEvent("foo"))
	assert.False(t, p.AreConditionsMet(d))
}

func TestAppStateCondition(t *testing.T) {
	p, _ := newTestProcessor()
	fg := &automation.Delay{AppState: automation.AppStateForeground}
	bg := &automation.Delay{AppState: automation.AppStateBackground}

	assert.False(t, p.AreConditionsMet(fg))
	assert.True(t, p.AreConditionsMet(bg))

	p.OnEvent(automation.ForegroundEvent())
	assert.True(t, p.AreConditionsMet(fg))
	assert.False(t, p.AreConditionsMet(bg))
}

func TestExecutionWindow(t *testing.T) {
	open := false
	var mu sync.Mutex
	window := func(time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		return open
	}
	p, _ := newTestProcessor(WithExecutionWindow(window, 10*time.Millisecond))
	assert.False(t, p.AreConditionsMet(nil))

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background(), nil, now) }()

	select {
	case <-done:
		t.Fatal("returned outside the window")
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	open = true
	mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not notice the window opening")
	}
}

func TestProcessWaitsForConditions(t *testing.T) {
	p, s := newTestProcessor()
	d := &automation.Delay{
		Seconds:  100,
		Screens:  []string{"screen1"},
		RegionID: "region1",
		AppState: automation.AppStateForeground,
	}

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background(), d, now) }()

	p.OnEvent(automation.ScreenViewEvent("screen1"))
	p.OnEvent(automation.RegionEnterEvent("region1"))
	select {
	case <-done:
		t.Fatal("returned while still in the background")
	case <-time.After(30 * time.Millisecond):
	}

	p.OnEvent(automation.ForegroundEvent())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("conditions were met but Process kept waiting")
	}
	assert.Equal(t, []time.Duration{100 * time.Second}, s.Sleeps())
}

func TestProcessCancelled(t *testing.T) {
	p, _ := newTestProcessor()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Process(ctx, &automation.Delay{RegionID: "never"}, now) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Process ignored cancellation")
	}
}

func TestExtraConditionAndNotify(t *testing.T) {
	var mu sync.Mutex
	ready := false
	p, _ := newTestProcessor(WithCondition(func(*automation.Delay) bool {
		mu.Lock()
		defer mu.Unlock()
		return ready
	}))
	assert.False(t, p.AreConditionsMet(nil))

	changed := p.Changed()
	mu.Lock()
	ready = true
	mu.Unlock()
	p.Notify()

	select {
	case <-changed:
	default:
		t.Fatal("Notify did not close the change channel")
	}
	assert.True(t, p.AreConditionsMet(nil))
}
