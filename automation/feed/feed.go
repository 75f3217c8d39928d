// Package feed is the event stream the engine consumes. It is
// multi-producer, single-consumer and never blocks a producer.
package feed

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/internal/util"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/sym"
)

// Feed buffers events between producers and the engine.
type Feed struct {
	log    *zap.SugaredLogger
	stream *util.Unbounded[automation.Event]
	newID  func() string

	mu             sync.Mutex
	attached       bool
	attachedBefore bool
	versionUpdated string
	state          automation.TriggerableState
}

// Option configures a Feed.
type Option func(*Feed)

// WithVersionUpdated reports an app version change on first attach.
func WithVersionUpdated(version string) Option {
	return func(f *Feed) { f.versionUpdated = version }
}

// WithSessionIDs overrides session ID generation.
func WithSessionIDs(newID func() string) Option {
	return func(f *Feed) { f.newID = newID }
}

// New creates a detached feed.
func New(log *zap.SugaredLogger, opts ...Option) *Feed {
	f := &Feed{
		log:    logger.OrDefault(log).Named("feed").With(logger.FieldSymbol, sym.Feed),
		stream: util.NewUnbounded[automation.Event](),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Events is the consumer side.
func (f *Feed) Events() <-chan automation.Event {
	return f.stream.Out()
}

// Attach starts delivery. The first attach announces app init and, when the
// version changed, the new version.
func (f *Feed) Attach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached {
		return
	}
	f.attached = true

	if f.attachedBefore {
		return
	}
	f.attachedBefore = true
	f.stream.Send(automation.AppInitEvent())
	if f.versionUpdated != "" {
		f.state.VersionUpdated = f.versionUpdated
		f.stream.Send(automation.StateChangedEvent(f.state))
	}
	f.log.Debugw("Feed attached", "version_updated", f.versionUpdated)
}

// Detach stops delivery. Events emitted while detached are dropped.
func (f *Feed) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = false
}

// Emit queues an event. Foreground and background also change the app
// session and announce the new state.
func (f *Feed) Emit(e automation.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := false
	switch e.Type {
	case automation.EventForeground:
		f.state.AppSessionID = f.newID()
		changed = true
	case automation.EventBackground:
		changed = f.state.AppSessionID != ""
		f.state.AppSessionID = ""
	}

	if !f.attached {
		f.log.Debugw("Dropping event, feed detached", logger.FieldEvent, e.Type)
		return
	}
	f.stream.Send(e)
	if changed {
		f.stream.Send(automation.StateChangedEvent(f.state))
	}
}

// State returns the current triggerable state.
func (f *Feed) State() automation.TriggerableState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Close stops delivery for good and closes Events.
func (f *Feed) Close() {
	f.stream.Close()
}
