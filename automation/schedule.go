// Package automation holds the schedule data model shared by every stage of
// the automation pipeline: schedule definitions, triggers, runtime records
// and the state machine that moves a record from idle to finished.
package automation

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/teranos/automaton/audience"
	"github.com/teranos/automaton/errors"
)

// PayloadType selects which of the schedule payload fields is populated.
type PayloadType string

const (
	PayloadActions      PayloadType = "actions"
	PayloadInAppMessage PayloadType = "in_app_message"
	PayloadDeferred     PayloadType = "deferred"
)

// MissBehavior is the disposition applied when the audience does not match.
type MissBehavior string

const (
	MissCancel   MissBehavior = "cancel"
	MissSkip     MissBehavior = "skip"
	MissPenalize MissBehavior = "penalize"
)

// DefaultMessageType is used for experiment evaluation when a schedule
// does not set one.
const DefaultMessageType = "transactional"

// Schedule is an immutable automation definition.
type Schedule struct {
	ID       string    `json:"id"`
	Triggers []Trigger `json:"triggers"`
	Group    string    `json:"group,omitempty"`
	Priority int       `json:"priority,omitempty"`

	// Limit is the maximum execution count. Nil means 1, 0 means unlimited.
	Limit *uint      `json:"limit,omitempty"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`

	Audience *Audience `json:"audience,omitempty"`
	Delay    *Delay    `json:"delay,omitempty"`

	// IntervalSeconds is the cooldown after an execution.
	IntervalSeconds *float64 `json:"interval,omitempty"`

	Type     PayloadType     `json:"type"`
	Actions  json.RawMessage `json:"actions,omitempty"`
	Message  *InAppMessage   `json:"message,omitempty"`
	Deferred *DeferredData   `json:"deferred,omitempty"`

	BypassHoldoutGroups    bool            `json:"bypass_holdout_groups,omitempty"`
	EditGracePeriodDays    *uint           `json:"edit_grace_period,omitempty"`
	FrequencyConstraintIDs []string        `json:"frequency_constraint_ids,omitempty"`
	MessageType            string          `json:"message_type,omitempty"`
	Campaigns              json.RawMessage `json:"campaigns,omitempty"`
	ReportingContext       json.RawMessage `json:"reporting_context,omitempty"`
	ProductID              string          `json:"product_id,omitempty"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	Created                *time.Time      `json:"created,omitempty"`
}

// Audience gates a schedule on device attributes.
type Audience struct {
	audience.Selector
	MissBehavior MissBehavior `json:"miss_behavior,omitempty"`
}

// Behavior returns the miss behavior, defaulting to penalize.
func (a *Audience) Behavior() MissBehavior {
	if a == nil || a.MissBehavior == "" {
		return MissPenalize
	}
	return a.MissBehavior
}

// InAppMessage is a message payload. Rendering is handled by the message delegate.
type InAppMessage struct {
	Name        string          `json:"name"`
	DisplayType string          `json:"display_type"`
	Display     json.RawMessage `json:"display,omitempty"`
	Actions     json.RawMessage `json:"actions,omitempty"`
	Source      string          `json:"source,omitempty"`
}

// IsValid reports whether the message carries enough to be displayed.
func (m *InAppMessage) IsValid() bool {
	return m != nil && m.Name != "" && m.DisplayType != ""
}

// DeferredData points at a payload resolved over the network at prepare time.
type DeferredData struct {
	URL            string      `json:"url"`
	RetryOnTimeout *bool       `json:"retry_on_timeout,omitempty"`
	Type           PayloadType `json:"type"`
}

// ShouldRetryOnTimeout defaults to true.
func (d *DeferredData) ShouldRetryOnTimeout() bool {
	return d.RetryOnTimeout == nil || *d.RetryOnTimeout
}

// Interval returns the post-execution cooldown, zero when unset.
func (s *Schedule) Interval() time.Duration {
	if s.IntervalSeconds == nil || *s.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(*s.IntervalSeconds * float64(time.Second))
}

// IsInAppMessageType reports whether the schedule ends up displaying a message,
// either directly or through a deferred lookup.
func (s *Schedule) IsInAppMessageType() bool {
	switch s.Type {
	case PayloadInAppMessage:
		return true
	case PayloadDeferred:
		return s.Deferred != nil && s.Deferred.Type == PayloadInAppMessage
	}
	return false
}

// EffectiveMessageType returns MessageType or the transactional default.
func (s *Schedule) EffectiveMessageType() string {
	if s.MessageType == "" {
		return DefaultMessageType
	}
	return s.MessageType
}

// Validate checks the schedule is well formed and fills in trigger IDs.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return errors.Wrap(errors.ErrInvalidSchedule, "missing id")
	}
	if len(s.Triggers) == 0 {
		return errors.WithDetailf(errors.Wrap(errors.ErrInvalidSchedule, "no triggers"), "schedule_id=%s", s.ID)
	}

	switch s.Type {
	case PayloadActions:
		if len(s.Actions) == 0 {
			return errors.WithDetailf(errors.Wrap(errors.ErrInvalidSchedule, "missing actions"), "schedule_id=%s", s.ID)
		}
	case PayloadInAppMessage:
		if s.Message == nil {
			return errors.WithDetailf(errors.Wrap(errors.ErrInvalidSchedule, "missing message"), "schedule_id=%s", s.ID)
		}
	case PayloadDeferred:
		if s.Deferred == nil || s.Deferred.URL == "" {
			return errors.WithDetailf(errors.Wrap(errors.ErrInvalidSchedule, "missing deferred url"), "schedule_id=%s", s.ID)
		}
	default:
		return errors.WithDetailf(errors.Wrapf(errors.ErrInvalidSchedule, "unknown type %q", s.Type), "schedule_id=%s", s.ID)
	}

	if s.Start != nil && s.End != nil && s.End.Before(*s.Start) {
		return errors.WithDetailf(errors.Wrap(errors.ErrInvalidSchedule, "end before start"), "schedule_id=%s", s.ID)
	}

	for i := range s.Triggers {
		s.Triggers[i].assignIDs()
	}
	if s.Delay != nil {
		for i := range s.Delay.CancellationTriggers {
			s.Delay.CancellationTriggers[i].assignIDs()
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	b, err := json.Marshal(s)
	if err != nil {
		// Every field is JSON-encodable
		panic(err)
	}
	var out Schedule
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

// Equal compares two definitions by their encoded form.
func (s Schedule) Equal(other Schedule) bool {
	a, errA := json.Marshal(s)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
