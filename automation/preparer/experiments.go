package preparer

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/teranos/automaton/audience"
	"github.com/teranos/automaton/automation"
)

// MessageInfo is what an experiment sees of a message schedule.
type MessageInfo struct {
	MessageType string
	Campaigns   json.RawMessage
}

// ExperimentManager assigns message schedules to holdout groups.
type ExperimentManager interface {
	Evaluate(ctx context.Context, msg MessageInfo, device audience.DeviceInfo) (*automation.ExperimentResult, error)
}

// Experiment is a holdout definition. A device in the audience, with a
// matching message type, is held out while the experiment is live.
type Experiment struct {
	ID           string             `json:"id" toml:"id" yaml:"id"`
	MessageTypes []string           `json:"message_types" toml:"message_types" yaml:"message_types"`
	Audience     *audience.Selector `json:"audience,omitempty" toml:"audience" yaml:"audience"`
	Start        *time.Time         `json:"start,omitempty" toml:"start" yaml:"start"`
	End          *time.Time         `json:"end,omitempty" toml:"end" yaml:"end"`
	Created      time.Time          `json:"created" toml:"created" yaml:"created"`
	Reporting    json.RawMessage    `json:"reporting_metadata,omitempty" toml:"-" yaml:"-"`
}

func (e Experiment) live(now time.Time) bool {
	if e.Start != nil && now.Before(*e.Start) {
		return false
	}
	if e.End != nil && !now.Before(*e.End) {
		return false
	}
	return true
}

// Holdouts evaluates a fixed list of experiments; the first match wins.
type Holdouts struct {
	audience AudienceEvaluator
	timeNow  func() time.Time

	mu          sync.RWMutex
	experiments []Experiment
}

// NewHoldouts creates an experiment manager. now may be nil.
func NewHoldouts(eval AudienceEvaluator, now func() time.Time) *Holdouts {
	if now == nil {
		now = time.Now
	}
	return &Holdouts{audience: eval, timeNow: now}
}

// SetExperiments replaces the experiment list.
func (h *Holdouts) SetExperiments(experiments []Experiment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.experiments = slices.Clone(experiments)
}

// Evaluate returns the assignment for the device. A device outside every
// experiment gets a non-matching result so the executor can still report it.
func (h *Holdouts) Evaluate(ctx context.Context, msg MessageInfo, device audience.DeviceInfo) (*automation.ExperimentResult, error) {
	h.mu.RLock()
	experiments := h.experiments
	h.mu.RUnlock()

	now := h.timeNow()
	for _, e := range experiments {
		if !e.live(now) || !slices.Contains(e.MessageTypes, msg.MessageType) {
			continue
		}
		ok, err := h.audience.Evaluate(ctx, e.Audience, e.Created, device)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var reporting []json.RawMessage
		if len(e.Reporting) > 0 {
			reporting = []json.RawMessage{e.Reporting}
		}
		return &automation.ExperimentResult{
			ChannelID:    device.ChannelID,
			ContactID:    device.ContactID,
			IsMatch:      true,
			ExperimentID: e.ID,
			Reporting:    reporting,
		}, nil
	}

	return &automation.ExperimentResult{
		ChannelID: device.ChannelID,
		ContactID: device.ContactID,
	}, nil
}
