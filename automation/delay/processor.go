// Package delay holds triggered schedules back until their delay has elapsed
// and the app is in the screen, region and foreground state the delay asks for.
package delay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/sym"
)

const (
	// PreprocessThreshold is how much of a delay is left for Process after
	// Preprocess returns, so prepare runs shortly before the delay ends.
	PreprocessThreshold = 30 * time.Second

	DefaultWindowRecheckInterval = time.Minute
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Condition is an extra readiness check. Call Processor.Notify when its
// answer may have changed.
type Condition func(delay *automation.Delay) bool

// ExecutionWindow reports whether schedules may run at t.
type ExecutionWindow func(t time.Time) bool

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.timeNow = now }
}

func WithSleeper(s Sleeper) Option {
	return func(p *Processor) { p.sleep = s }
}

// WithExecutionWindow gates conditions on window. Outside the window the
// processor re-checks every interval.
func WithExecutionWindow(window ExecutionWindow, interval time.Duration) Option {
	return func(p *Processor) {
		p.window = window
		if interval > 0 {
			p.recheck = interval
		}
	}
}

func WithCondition(c Condition) Option {
	return func(p *Processor) { p.conditions = append(p.conditions, c) }
}

// Processor tracks the app conditions a delay depends on.
type Processor struct {
	log        *zap.SugaredLogger
	timeNow    func() time.Time
	sleep      Sleeper
	window     ExecutionWindow
	recheck    time.Duration
	conditions []Condition

	mu       sync.Mutex
	screen   string
	regions  map[string]bool
	appState automation.AppState
	changed  chan struct{}
}

// NewProcessor creates a processor. The app starts out in the background.
func NewProcessor(log *zap.SugaredLogger, opts ...Option) *Processor {
	p := &Processor{
		log:      logger.OrDefault(log).Named("delay").With(logger.FieldSymbol, sym.Delay),
		timeNow:  time.Now,
		sleep:    sleepContext,
		recheck:  DefaultWindowRecheckInterval,
		regions:  make(map[string]bool),
		appState: automation.AppStateBackground,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnEvent updates the tracked screen, regions and app state.
func (p *Processor) OnEvent(e automation.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case automation.EventScreenView:
		p.screen = e.Name
	case automation.EventRegionEnter:
		p.regions[e.Name] = true
	case automation.EventRegionExit:
		delete(p.regions, e.Name)
	case automation.EventForeground:
		p.appState = automation.AppStateForeground
	case automation.EventBackground:
		p.appState = automation.AppStateBackground
	default:
		return
	}
	p.notifyLocked()
}

// Notify wakes everything waiting on conditions.
func (p *Processor) Notify() {
	p.mu.Lock()
	p.notifyLocked()
	p.mu.Unlock()
}

func (p *Processor) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Changed returns a channel closed on the next condition change.
func (p *Processor) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// Remaining is the part of the delay's seconds not yet elapsed since triggerDate.
func (p *Processor) Remaining(delay *automation.Delay, triggerDate time.Time) time.Duration {
	if delay == nil || delay.Seconds <= 0 {
		return 0
	}
	total := time.Duration(delay.Seconds * float64(time.Second))
	remaining := total - p.timeNow().Sub(triggerDate)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Preprocess sleeps until PreprocessThreshold before the delay ends.
func (p *Processor) Preprocess(ctx context.Context, delay *automation.Delay, triggerDate time.Time) error {
	if d := p.Remaining(delay, triggerDate) - PreprocessThreshold; d > 0 {
		p.log.Debugw("Preprocessing delay", logger.FieldDelay, d)
		return p.sleep(ctx, d)
	}
	return nil
}

// Process sleeps out the rest of the delay, then waits until
// AreConditionsMet holds.
func (p *Processor) Process(ctx context.Context, delay *automation.Delay, triggerDate time.Time) error {
	if d := p.Remaining(delay, triggerDate); d > 0 {
		if err := p.sleep(ctx, d); err != nil {
			return err
		}
	}

	for {
		p.mu.Lock()
		met := p.conditionsMetLocked(delay)
		changed := p.changed
		p.mu.Unlock()

		met = met && p.extraMet(delay)
		if met && p.inWindow() {
			return nil
		}

		var recheck <-chan time.Time
		var timer *time.Timer
		if met {
			timer = time.NewTimer(p.recheck)
			recheck = timer.C
		}

		select {
		case <-changed:
		case <-recheck:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// AreConditionsMet reports whether delay's app conditions and the execution
// window currently allow running. A nil delay is always met.
func (p *Processor) AreConditionsMet(delay *automation.Delay) bool {
	p.mu.Lock()
	met := p.conditionsMetLocked(delay)
	p.mu.Unlock()
	return met && p.extraMet(delay) && p.inWindow()
}

func (p *Processor) extraMet(delay *automation.Delay) bool {
	for _, c := range p.conditions {
		if !c(delay) {
			return false
		}
	}
	return true
}

func (p *Processor) inWindow() bool {
	return p.window == nil || p.window(p.timeNow())
}

func (p *Processor) conditionsMetLocked(delay *automation.Delay) bool {
	if delay == nil {
		return true
	}
	if delay.AppState != "" && delay.AppState != p.appState {
		return false
	}
	if len(delay.Screens) > 0 {
		found := false
		for _, s := range delay.Screens {
			if s == p.screen {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if delay.RegionID != "" && !p.regions[delay.RegionID] {
		return false
	}
	return true
}
