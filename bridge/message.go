package bridge

import (
	"encoding/json"
	"time"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
)

// Outbound message types
const (
	TypeTransition = "transition"
	TypeExecute    = "execute"
	TypeError      = "error"
)

// TransitionMessage announces a schedule state change.
type TransitionMessage struct {
	Type       string                `json:"type"`
	Transition automation.Transition `json:"transition"`
}

// ExecuteMessage hands a prepared payload to connected clients.
type ExecuteMessage struct {
	Type        string                          `json:"type"`
	ScheduleID  string                          `json:"schedule_id"`
	PayloadType automation.PayloadType          `json:"payload_type"`
	Payload     any                             `json:"payload"`
	Info        automation.PreparedScheduleInfo `json:"info"`
	SentAt      time.Time                       `json:"sent_at"`
}

// ErrorMessage reports a rejected inbound message back to its sender.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// inboundTypes lists the events remote producers may send. State changes are
// derived by the feed and never accepted from outside.
var inboundTypes = map[automation.EventType]bool{
	automation.EventForeground:             true,
	automation.EventBackground:             true,
	automation.EventScreenView:             true,
	automation.EventAppInit:                true,
	automation.EventRegionEnter:            true,
	automation.EventRegionExit:             true,
	automation.EventCustom:                 true,
	automation.EventFeatureFlagInteraction: true,
}

// DecodeEvent parses an inbound message into a domain event.
func DecodeEvent(raw []byte) (automation.Event, error) {
	var msg automation.Event
	if err := json.Unmarshal(raw, &msg); err != nil {
		return automation.Event{}, errors.Wrapf(errors.ErrInvalidRequest, "malformed message: %v", err)
	}
	if !inboundTypes[msg.Type] {
		return automation.Event{}, errors.Wrapf(errors.ErrInvalidRequest, "unsupported event type %q", msg.Type)
	}

	switch msg.Type {
	case automation.EventScreenView:
		if msg.Name == "" {
			return automation.Event{}, errors.Wrap(errors.ErrInvalidRequest, "screen_view needs a name")
		}
	case automation.EventRegionEnter, automation.EventRegionExit:
		if msg.Name == "" {
			return automation.Event{}, errors.Wrapf(errors.ErrInvalidRequest, "%s needs a region name", msg.Type)
		}
		if msg.Type == automation.EventRegionEnter {
			return automation.RegionEnterEvent(msg.Name), nil
		}
		return automation.RegionExitEvent(msg.Name), nil
	case automation.EventCustom:
		return automation.CustomEvent(msg.Data, msg.Value), nil
	case automation.EventFeatureFlagInteraction:
		return automation.FeatureFlagInteractionEvent(msg.Data), nil
	}
	msg.State = nil
	return msg, nil
}
