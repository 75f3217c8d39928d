// Package remotedata tracks whether the source a schedule definition came
// from is still current.
//
// Schedules in this system come from definition files and API upserts rather
// than a remote-data feed, so "refresh" means "the definition was upserted
// again". A schedule reported outdated stays outdated until its definition is
// refreshed.
package remotedata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
)

// DefaultRefreshTimeout bounds WaitFullRefresh.
const DefaultRefreshTimeout = 30 * time.Second

// Tracker implements the preparer's and executor's view of definition currency.
type Tracker struct {
	log            *zap.SugaredLogger
	refreshTimeout time.Duration

	mu        sync.Mutex
	outdated  map[string]bool
	contacts  map[string]string
	refreshed chan struct{}
}

// NewTracker creates a tracker. A non-positive timeout uses DefaultRefreshTimeout.
func NewTracker(refreshTimeout time.Duration, log *zap.SugaredLogger) *Tracker {
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	return &Tracker{
		log:            logger.OrDefault(log).Named("remotedata"),
		refreshTimeout: refreshTimeout,
		outdated:       make(map[string]bool),
		contacts:       make(map[string]string),
		refreshed:      make(chan struct{}),
	}
}

// RequiresUpdate reports whether the schedule was reported outdated.
func (t *Tracker) RequiresUpdate(_ context.Context, s automation.Schedule) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outdated[s.ID]
}

// WaitFullRefresh blocks until the schedule is refreshed, the refresh timeout
// passes, or ctx is done. Only ctx cancellation is an error.
func (t *Tracker) WaitFullRefresh(ctx context.Context, s automation.Schedule) error {
	timer := time.NewTimer(t.refreshTimeout)
	defer timer.Stop()
	for {
		t.mu.Lock()
		if !t.outdated[s.ID] {
			t.mu.Unlock()
			return nil
		}
		ch := t.refreshed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			t.log.Warnw("Gave up waiting for schedule refresh", logger.FieldScheduleID, s.ID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BestEffortRefresh reports whether the schedule is current. There is no
// remote source to poll.
func (t *Tracker) BestEffortRefresh(ctx context.Context, s automation.Schedule) bool {
	return !t.RequiresUpdate(ctx, s)
}

// IsCurrent reports whether the schedule has not been reported outdated.
func (t *Tracker) IsCurrent(ctx context.Context, s automation.Schedule) bool {
	return !t.RequiresUpdate(ctx, s)
}

// NotifyOutdated marks the schedule as needing a refresh.
func (t *Tracker) NotifyOutdated(_ context.Context, s automation.Schedule) {
	t.mu.Lock()
	t.outdated[s.ID] = true
	t.mu.Unlock()
	t.log.Infow("Schedule marked outdated", logger.FieldScheduleID, s.ID)
}

// Refreshed clears the outdated mark for the given schedules.
func (t *Tracker) Refreshed(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.outdated, id)
	}
	close(t.refreshed)
	t.refreshed = make(chan struct{})
}

// SetContactID overrides the contact used when preparing a schedule.
func (t *Tracker) SetContactID(scheduleID, contactID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if contactID == "" {
		delete(t.contacts, scheduleID)
		return
	}
	t.contacts[scheduleID] = contactID
}

// ContactID returns the override set for the schedule, if any.
func (t *Tracker) ContactID(s automation.Schedule) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contacts[s.ID]
}
