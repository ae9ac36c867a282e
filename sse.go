package remotekit

import (
	"strings"
)

// StreamEvent is one parsed server-sent event. Type is "message" when
// the server omitted the event field.
type StreamEvent struct {
	Type string
	ID   string
	Data string
}

// doneSentinel is the terminal "stream complete" payload. The server
// sends it as a data line once the completion has finished streaming.
const doneSentinel = "[DONE]"

// sseAccumulator assembles one event from its field lines. Events are
// framed by a blank line; a line starting with ':' is a comment used as
// a heartbeat and never becomes a data event.
type sseAccumulator struct {
	eventType string
	id        string
	data      []string
	hasData   bool
}

func (a *sseAccumulator) reset() {
	a.eventType = ""
	a.id = ""
	a.data = a.data[:0]
	a.hasData = false
}

// feed consumes one non-blank, non-comment line.
func (a *sseAccumulator) feed(line string) {
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		a.eventType = value
	case "data":
		a.data = append(a.data, value)
		a.hasData = true
	case "id":
		a.id = value
	case "retry":
		// server-suggested reconnect delay; the client's own backoff wins
	}
}

// flush produces the completed event, if the record carried any data.
func (a *sseAccumulator) flush() (StreamEvent, bool) {
	if !a.hasData {
		a.reset()
		return StreamEvent{}, false
	}

	ev := StreamEvent{
		Type: a.eventType,
		ID:   a.id,
		Data: strings.Join(a.data, "\n"),
	}
	if ev.Type == "" {
		ev.Type = "message"
	}
	a.reset()
	return ev, true
}

func isSSEComment(line string) bool {
	return strings.HasPrefix(line, ":")
}
