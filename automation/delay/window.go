package delay

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/automaton/errors"
)

// CronWindow opens the execution window at every activation of a standard
// five-field cron spec and keeps it open for length.
//
//	CronWindow("0 9 * * 1-5", 8*time.Hour) // weekdays 09:00-17:00
func CronWindow(spec string, length time.Duration) (ExecutionWindow, error) {
	if length <= 0 {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidRequest, "execution window length must be positive, got %s", length),
			"set engine.window_minutes")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidRequest, "invalid execution window %q: %v", spec, err),
			"use a five-field cron spec such as \"0 9 * * *\"")
	}
	return func(t time.Time) bool {
		// The first opening after t-length is at or before t only when t falls
		// inside that opening's window.
		open := sched.Next(t.Add(-length))
		return !open.After(t)
	}, nil
}
