package automation

import "encoding/json"

// EventType identifies an application event fed to the trigger processor.
type EventType string

const (
	EventForeground             EventType = "foreground"
	EventBackground             EventType = "background"
	EventScreenView             EventType = "screen_view"
	EventAppInit                EventType = "app_init"
	EventStateChanged           EventType = "state_changed"
	EventRegionEnter            EventType = "region_enter"
	EventRegionExit             EventType = "region_exit"
	EventCustom                 EventType = "custom_event"
	EventFeatureFlagInteraction EventType = "feature_flag_interaction"
)

// TriggerableState is the app state that state triggers watch.
type TriggerableState struct {
	AppSessionID   string `json:"app_session_id,omitempty"`
	VersionUpdated string `json:"version_updated,omitempty"`
}

// Event is a domain event. Name carries the screen name for screen views and
// the region ID for region events.
type Event struct {
	Type  EventType         `json:"type"`
	Name  string            `json:"name,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
	Value *float64          `json:"value,omitempty"`
	State *TriggerableState `json:"state,omitempty"`
}

func ForegroundEvent() Event { return Event{Type: EventForeground} }
func BackgroundEvent() Event { return Event{Type: EventBackground} }
func AppInitEvent() Event    { return Event{Type: EventAppInit} }

func ScreenViewEvent(name string) Event {
	return Event{Type: EventScreenView, Name: name}
}

func StateChangedEvent(state TriggerableState) Event {
	return Event{Type: EventStateChanged, State: &state}
}

func RegionEnterEvent(regionID string) Event {
	return Event{Type: EventRegionEnter, Name: regionID, Data: regionData(regionID)}
}

func RegionExitEvent(regionID string) Event {
	return Event{Type: EventRegionExit, Name: regionID, Data: regionData(regionID)}
}

// CustomEvent builds a custom event. A nil value counts as 1.
func CustomEvent(data json.RawMessage, value *float64) Event {
	return Event{Type: EventCustom, Data: data, Value: value}
}

func FeatureFlagInteractionEvent(data json.RawMessage) Event {
	return Event{Type: EventFeatureFlagInteraction, Data: data}
}

func regionData(id string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"region_id": id})
	return b
}

// Payload is the event data recorded in a trigger context.
func (e Event) Payload() json.RawMessage {
	switch e.Type {
	case EventScreenView:
		b, _ := json.Marshal(e.Name)
		return b
	case EventRegionEnter, EventRegionExit, EventCustom, EventFeatureFlagInteraction:
		return e.Data
	}
	return nil
}

// IsState reports whether the event is a state change.
func (e Event) IsState() bool {
	return e.Type == EventStateChanged
}
