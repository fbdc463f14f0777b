package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is returned for webhook bodies with no event name or no
// call id.
var ErrMalformedEvent = errors.New("malformed call event")

// CallEventKind is the controller's view of a provider notification.
type CallEventKind string

const (
	EventAnswered         CallEventKind = "answered"
	EventHangup           CallEventKind = "hangup"
	EventStreamingStarted CallEventKind = "streaming_started"
	EventStreamingStopped CallEventKind = "streaming_stopped"
	EventStreamingFailed  CallEventKind = "streaming_failed"
	EventOther            CallEventKind = "other"
)

// CallEvent is one lifecycle notification.
type CallEvent struct {
	Kind          CallEventKind
	Type          string // provider event name as received
	CallControlID string
	HangupCause   string
}

type webhookBody struct {
	// flat form
	Event         string `json:"event"`
	CallControlID string `json:"call_control_id"`

	// provider envelope
	Data *struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			HangupCause   string `json:"hangup_cause"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseCallEvent accepts either {"event":"answered","call_control_id":"…"}
// or the provider envelope {"data":{"event_type":"call.answered","payload":{…}}}.
func ParseCallEvent(body []byte) (CallEvent, error) {
	var raw webhookBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return CallEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := CallEvent{Type: raw.Event, CallControlID: raw.CallControlID}
	if raw.Data != nil && raw.Data.EventType != "" {
		ev.Type = raw.Data.EventType
		ev.CallControlID = raw.Data.Payload.CallControlID
		ev.HangupCause = raw.Data.Payload.HangupCause
	}

	if ev.Type == "" {
		return CallEvent{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	if ev.CallControlID == "" {
		return CallEvent{}, fmt.Errorf("%w: missing call_control_id", ErrMalformedEvent)
	}

	ev.Kind = classifyEvent(ev.Type)
	return ev, nil
}

func classifyEvent(eventType string) CallEventKind {
	switch strings.ToLower(eventType) {
	case "answered", "call.answered", "in-progress":
		return EventAnswered
	case "hangup", "call.hangup", "completed", "failed", "busy",
		"no-answer", "no_answer", "canceled", "cancelled":
		return EventHangup
	case "streaming.started", "streaming_started":
		return EventStreamingStarted
	case "streaming.stopped", "streaming_stopped":
		return EventStreamingStopped
	case "streaming.failed", "streaming_failed":
		return EventStreamingFailed
	default:
		return EventOther
	}
}
