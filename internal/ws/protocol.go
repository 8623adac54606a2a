package ws

import (
	"errors"
	"fmt"
	"strings"
)

// Text frames a client may send, and the suffix appended to echoed frames.
const (
	CloseDirective = "close"
	AnswerSuffix   = "/answer"
)

const (
	eventPrefix    = "WEBSOCKETEVENT-"
	eventSeparator = " from "
)

var ErrNotEvent = errors.New("ws: frame is not an event")

type EventKind string

const (
	KindRead  EventKind = "GET"
	KindWrite EventKind = "PUT"
)

func (k EventKind) Valid() bool {
	return k == KindRead || k == KindWrite
}

// Event notifies streaming clients that a resource was read or written.
type Event struct {
	Kind    EventKind
	Subject string
}

func ReadEvent(subject string) Event  { return Event{Kind: KindRead, Subject: subject} }
func WriteEvent(subject string) Event { return Event{Kind: KindWrite, Subject: subject} }

func (e Event) String() string {
	return eventPrefix + string(e.Kind) + eventSeparator + e.Subject
}

// Frame returns the text frame payload broadcast for e.
func (e Event) Frame() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("ws: unknown event kind %q", e.Kind)
	}
	return []byte(e.String()), nil
}

// ParseEvent is the inverse of Event.Frame.
func ParseEvent(frame []byte) (Event, error) {
	s := string(frame)
	rest, ok := strings.CutPrefix(s, eventPrefix)
	if !ok {
		return Event{}, ErrNotEvent
	}
	kind, subject, ok := strings.Cut(rest, eventSeparator)
	if !ok || !EventKind(kind).Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrNotEvent, s)
	}
	return Event{Kind: EventKind(kind), Subject: subject}, nil
}
