package triggers

import (
	"context"
	"reflect"

	"github.com/teranos/automaton/automation"
)

// TriggerData is the persisted progress of one trigger toward its goal.
// Compound triggers keep their children's progress in Children.
type TriggerData struct {
	ScheduleID           string                       `json:"schedule_id"`
	TriggerID            string                       `json:"trigger_id"`
	Count                float64                      `json:"count"`
	Children             map[string]*TriggerData      `json:"children,omitempty"`
	LastTriggerableState *automation.TriggerableState `json:"last_state,omitempty"`
}

func newTriggerData(scheduleID, triggerID string) *TriggerData {
	return &TriggerData{ScheduleID: scheduleID, TriggerID: triggerID}
}

func (d *TriggerData) resetCount() { d.Count = 0 }

func (d *TriggerData) incrementCount(by float64) { d.Count += by }

// child returns the data for a child trigger, creating it when missing.
func (d *TriggerData) child(triggerID string) *TriggerData {
	if d.Children == nil {
		d.Children = make(map[string]*TriggerData)
	}
	c, ok := d.Children[triggerID]
	if !ok {
		c = newTriggerData(d.ScheduleID, triggerID)
		d.Children[triggerID] = c
	}
	return c
}

func (d *TriggerData) clone() *TriggerData {
	if d == nil {
		return nil
	}
	out := *d
	if d.LastTriggerableState != nil {
		s := *d.LastTriggerableState
		out.LastTriggerableState = &s
	}
	if d.Children != nil {
		out.Children = make(map[string]*TriggerData, len(d.Children))
		for k, v := range d.Children {
			out.Children[k] = v.clone()
		}
	}
	return &out
}

func (d *TriggerData) equal(other *TriggerData) bool {
	return reflect.DeepEqual(d, other)
}

// StateStore persists trigger progress so counts survive restarts.
type StateStore interface {
	// Get returns nil, nil when nothing is stored.
	Get(ctx context.Context, scheduleID, triggerID string) (*TriggerData, error)
	Upsert(ctx context.Context, data []*TriggerData) error
	DeleteTriggers(ctx context.Context, scheduleID string, triggerIDs ...string) error
	DeleteSchedules(ctx context.Context, scheduleIDs ...string) error
	// DeleteExcept removes progress for every schedule not in keep.
	DeleteExcept(ctx context.Context, keep []string) error
}
