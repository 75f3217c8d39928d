package automation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// TriggerType names the event a trigger counts, or the compound operator.
type TriggerType string

const (
	TriggerForeground             TriggerType = "foreground"
	TriggerBackground             TriggerType = "background"
	TriggerScreen                 TriggerType = "screen"
	TriggerAppInit                TriggerType = "app_init"
	TriggerVersion                TriggerType = "version"
	TriggerActiveSession          TriggerType = "active_session"
	TriggerRegionEnter            TriggerType = "region_enter"
	TriggerRegionExit             TriggerType = "region_exit"
	TriggerCustomEventCount       TriggerType = "custom_event_count"
	TriggerCustomEventValue       TriggerType = "custom_event_value"
	TriggerFeatureFlagInteraction TriggerType = "feature_flag_interaction"

	TriggerAnd   TriggerType = "and"
	TriggerOr    TriggerType = "or"
	TriggerChain TriggerType = "chain"
)

// ExecutionType distinguishes triggers that start a schedule from triggers
// that abort a pending delay.
type ExecutionType string

const (
	ExecutionTypeExecution         ExecutionType = "execution"
	ExecutionTypeDelayCancellation ExecutionType = "delay_cancellation"
)

// Trigger counts matching events until Goal is reached. Compound triggers
// combine Children with and/or/chain semantics.
type Trigger struct {
	ID        string         `json:"id,omitempty"`
	Type      TriggerType    `json:"type"`
	Goal      float64        `json:"goal"`
	Predicate *Predicate     `json:"predicate,omitempty"`
	Children  []ChildTrigger `json:"children,omitempty"`
}

// ChildTrigger is a member of a compound trigger.
type ChildTrigger struct {
	Trigger          Trigger `json:"trigger"`
	IsSticky         bool    `json:"is_sticky,omitempty"`
	ResetOnIncrement bool    `json:"reset_on_increment,omitempty"`
}

// IsCompound reports whether the trigger combines children.
func (t Trigger) IsCompound() bool {
	switch t.Type {
	case TriggerAnd, TriggerOr, TriggerChain:
		return true
	}
	return false
}

// assignIDs derives a stable ID from the definition when none is set, so
// counters keep matching the same trigger across restarts.
func (t *Trigger) assignIDs() {
	for i := range t.Children {
		t.Children[i].Trigger.assignIDs()
	}
	if t.ID != "" {
		return
	}
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	t.ID = hex.EncodeToString(sum[:12])
}
