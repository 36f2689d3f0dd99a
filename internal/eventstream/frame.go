package eventstream

import (
	"errors"
	"fmt"
	"strings"
)

// KeepAliveEvent is the event type of liveness frames. They are never
// delivered to subscribers.
const KeepAliveEvent = "KEEP-ALIVE"

// ErrProtocolViolation marks a stream line that is neither a known field nor blank.
var ErrProtocolViolation = errors.New("protocol violation")

// Event is one appliance event received from the stream. ID, Event and Data
// hold the field values with the "id:", "event:" and "data:" prefixes (and one
// following space) removed; Data is the raw JSON payload, undecoded.
type Event struct {
	ApplianceID string `json:"haId"`
	ID          string `json:"id"`
	Event       string `json:"event"`
	Data        string `json:"data"`
}

// assembler collects id/event/data lines into frames. A frame is complete as
// soon as all three fields have been seen; blank lines carry no meaning.
type assembler struct {
	id, event, data          string
	hasID, hasEvent, hasData bool
}

// feed consumes one line. It returns the completed frame, if any, and resets
// itself for the next frame. Unknown lines yield ErrProtocolViolation and
// leave the pending frame untouched.
func (a *assembler) feed(line string) (Event, bool, error) {
	switch {
	case strings.HasPrefix(line, "data:"):
		value := fieldValue(line, "data:")
		if a.hasData {
			a.data += "\n" + value
		} else {
			a.data, a.hasData = value, true
		}
	case strings.HasPrefix(line, "event:"):
		a.event, a.hasEvent = fieldValue(line, "event:"), true
	case strings.HasPrefix(line, "id:"):
		a.id, a.hasID = fieldValue(line, "id:"), true
	case strings.TrimSpace(line) == "":
		return Event{}, false, nil
	default:
		return Event{}, false, fmt.Errorf("%w: unexpected line %q", ErrProtocolViolation, truncate(line, 80))
	}

	if !a.hasID || !a.hasEvent || !a.hasData {
		return Event{}, false, nil
	}
	ev := Event{ID: a.id, Event: a.event, Data: a.data}
	*a = assembler{}
	return ev, true, nil
}

// pending reports whether a partial frame is buffered.
func (a *assembler) pending() bool {
	return a.hasID || a.hasEvent || a.hasData
}

// fieldValue strips the field prefix and at most one leading space.
func fieldValue(line, prefix string) string {
	return strings.TrimPrefix(strings.TrimSuffix(line[len(prefix):], "\r"), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
