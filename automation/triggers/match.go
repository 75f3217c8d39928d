package triggers

import (
	"encoding/json"

	"github.com/teranos/automaton/automation"
)

type matchResult struct {
	triggered bool
}

// eventInput is one (trigger type, predicate input, increment) an event feeds.
// Custom events feed both the count and the value trigger.
type eventInput struct {
	triggerType automation.TriggerType
	data        any
	increment   float64
}

func eventInputs(e automation.Event) []eventInput {
	switch e.Type {
	case automation.EventForeground:
		return []eventInput{{automation.TriggerForeground, nil, 1}}
	case automation.EventBackground:
		return []eventInput{{automation.TriggerBackground, nil, 1}}
	case automation.EventAppInit:
		return []eventInput{{automation.TriggerAppInit, nil, 1}}
	case automation.EventScreenView:
		return []eventInput{{automation.TriggerScreen, e.Name, 1}}
	case automation.EventRegionEnter:
		return []eventInput{{automation.TriggerRegionEnter, decode(e.Data), 1}}
	case automation.EventRegionExit:
		return []eventInput{{automation.TriggerRegionExit, decode(e.Data), 1}}
	case automation.EventFeatureFlagInteraction:
		return []eventInput{{automation.TriggerFeatureFlagInteraction, decode(e.Data), 1}}
	case automation.EventCustom:
		value := 1.0
		if e.Value != nil {
			value = *e.Value
		}
		data := decode(e.Data)
		return []eventInput{
			{automation.TriggerCustomEventCount, data, 1},
			{automation.TriggerCustomEventValue, data, value},
		}
	}
	return nil
}

func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// matchEvent applies e to data and reports whether t reached its goal. A nil
// result means the event does not concern t. With resetOnTrigger the count
// goes back to zero once the goal is reached.
func matchEvent(t *automation.Trigger, e automation.Event, data *TriggerData, resetOnTrigger bool) *matchResult {
	var res *matchResult
	if t.IsCompound() {
		res = matchCompound(t, e, data)
	} else {
		res = matchSimple(t, e, data)
	}
	if resetOnTrigger && res != nil && res.triggered {
		data.resetCount()
	}
	return res
}

func matchSimple(t *automation.Trigger, e automation.Event, data *TriggerData) *matchResult {
	if e.IsState() {
		if e.State == nil {
			return nil
		}
		return matchState(t, *e.State, data)
	}
	for _, in := range eventInputs(e) {
		if in.triggerType != t.Type {
			continue
		}
		if !t.Predicate.Evaluate(in.data) {
			return nil
		}
		data.incrementCount(in.increment)
		return &matchResult{triggered: data.Count >= t.Goal}
	}
	return nil
}

func matchState(t *automation.Trigger, state automation.TriggerableState, data *TriggerData) *matchResult {
	var last automation.TriggerableState
	if data.LastTriggerableState != nil {
		last = *data.LastTriggerableState
	}

	switch t.Type {
	case automation.TriggerVersion:
		if state.VersionUpdated == "" || state.VersionUpdated == last.VersionUpdated {
			return nil
		}
		if !t.Predicate.Evaluate(state.VersionUpdated) {
			return nil
		}
	case automation.TriggerActiveSession:
		if state.AppSessionID == "" || state.AppSessionID == last.AppSessionID {
			return nil
		}
	default:
		return nil
	}

	data.LastTriggerableState = &state
	data.incrementCount(1)
	return &matchResult{triggered: data.Count >= t.Goal}
}

func matchCompound(t *automation.Trigger, e automation.Event, data *TriggerData) *matchResult {
	before := triggeredChildren(t, data)
	results := matchChildren(t, e, data)

	if t.Type == automation.TriggerChain && data.LastTriggerableState != nil &&
		!e.IsState() && before != triggeredChildren(t, data) {
		// A chain step advanced: later children see the current state.
		results = matchChildren(t, automation.StateChangedEvent(*data.LastTriggerableState), data)
	} else if e.IsState() && e.State != nil {
		s := *e.State
		data.LastTriggerableState = &s
	}

	switch t.Type {
	case automation.TriggerAnd, automation.TriggerChain:
		for _, r := range results {
			if !r.triggered {
				return &matchResult{triggered: data.Count >= t.Goal}
			}
		}
		for _, c := range t.Children {
			if !c.IsSticky {
				data.child(c.Trigger.ID).resetCount()
			}
		}
		data.incrementCount(1)

	case automation.TriggerOr:
		fired := false
		for _, r := range results {
			fired = fired || r.triggered
		}
		if fired {
			for _, c := range t.Children {
				cd := data.child(c.Trigger.ID)
				if cd.Count >= c.Trigger.Goal || c.ResetOnIncrement {
					cd.resetCount()
				}
			}
			data.incrementCount(1)
		}
	}

	return &matchResult{triggered: data.Count >= t.Goal}
}

func matchChildren(t *automation.Trigger, e automation.Event, data *TriggerData) []matchResult {
	evaluateRemaining := true
	results := make([]matchResult, 0, len(t.Children))
	for i := range t.Children {
		child := &t.Children[i].Trigger
		cd := data.child(child.ID)

		var res *matchResult
		if evaluateRemaining {
			// Children are reset by the parent once every result is known
			res = matchEvent(child, e, cd, false)
		}
		if res == nil {
			res = &matchResult{triggered: cd.Count >= child.Goal}
		}
		if t.Type == automation.TriggerChain && evaluateRemaining && !res.triggered {
			evaluateRemaining = false
		}
		results = append(results, *res)
	}
	return results
}

func triggeredChildren(t *automation.Trigger, data *TriggerData) int {
	n := 0
	for _, c := range t.Children {
		if cd, ok := data.Children[c.Trigger.ID]; ok && cd.Count >= c.Trigger.Goal {
			n++
		}
	}
	return n
}

// removeStaleChildData drops progress of children no longer in t.
func removeStaleChildData(t *automation.Trigger, data *TriggerData) {
	if !t.IsCompound() {
		data.Children = nil
		return
	}
	kept := make(map[string]*TriggerData, len(t.Children))
	for i := range t.Children {
		child := &t.Children[i].Trigger
		cd := data.child(child.ID)
		removeStaleChildData(child, cd)
		kept[child.ID] = cd
	}
	data.Children = kept
}
