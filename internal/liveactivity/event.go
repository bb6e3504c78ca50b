package liveactivity

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event is a lifecycle transition that results in a fan-out.
type Event string

const (
	EventStart  Event = "start"
	EventUpdate Event = "update"
	EventWake   Event = "wake"
	EventEnd    Event = "end"
)

// Data types understood by the receiving app.
const (
	DataTypeStart = "start_live_activity"
	DataTypeWake  = "wake_live_activity"
	DataTypeStop  = "stop_live_activity"
)

// ErrMalformedPayload is returned when a payload cannot be sent at all.
// Unlike per-token failures it aborts the whole cycle.
var ErrMalformedPayload = errors.New("malformed push payload")

// ErrUnknownEvent is returned for events outside the lifecycle.
var ErrUnknownEvent = errors.New("unknown lifecycle event")

// ParseEvent converts a path segment or action name into an Event.
func ParseEvent(s string) (Event, error) {
	e := Event(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return e, nil
}

func (e Event) Valid() bool {
	switch e {
	case EventStart, EventUpdate, EventWake, EventEnd:
		return true
	default:
		return false
	}
}

// TargetKind is the token kind an event fans out to. Starting uses
// push-to-start tokens; everything after that addresses running activities.
func (e Event) TargetKind() Kind {
	if e == EventStart {
		return KindPushToStart
	}
	return KindActivityToken
}

// DataType is the data.type marker for the event.
func (e Event) DataType() string {
	switch e {
	case EventStart:
		return DataTypeStart
	case EventEnd:
		return DataTypeStop
	default:
		return DataTypeWake
	}
}

// APSEvent is the aps.event value of a Live Activity push.
func (e Event) APSEvent() string {
	switch e {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	default:
		return "update"
	}
}

// Payload is a lifecycle push. It deliberately carries no class or period
// state; the app recomputes its display from local schedule data.
type Payload struct {
	Event    Event
	Title    string
	Body     string
	Data     map[string]string
	IssuedAt time.Time
}

// NewPayload builds the payload for an event. Start and end carry a visible
// alert; update and wake are silent.
func NewPayload(e Event, now time.Time) Payload {
	p := Payload{
		Event:    e,
		IssuedAt: now,
		Data: map[string]string{
			"type":      e.DataType(),
			"timestamp": strconv.FormatInt(now.Unix(), 10),
		},
	}

	switch e {
	case EventStart:
		p.Title = "Today's classes"
		p.Body = "Your timetable is now on the Lock Screen."
	case EventEnd:
		p.Title = "School's out"
		p.Body = "Classes are over for today."
	}

	return p
}

// Validate rejects payloads the gateway could never deliver.
func (p Payload) Validate() error {
	if !p.Event.Valid() {
		return fmt.Errorf("%w: event %q", ErrMalformedPayload, p.Event)
	}
	if p.Data["type"] != p.Event.DataType() {
		return fmt.Errorf("%w: data.type %q does not match event %s", ErrMalformedPayload, p.Data["type"], p.Event)
	}
	if p.IssuedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	if (p.Event == EventStart || p.Event == EventEnd) && (p.Title == "" || p.Body == "") {
		return fmt.Errorf("%w: %s requires a title and body", ErrMalformedPayload, p.Event)
	}
	return nil
}
