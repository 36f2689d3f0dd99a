// Package sink forwards appliance events received from the stream to
// external systems. Every sink's Handle method fits eventstream.Handler.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/florianilch/hcbridge/internal/eventstream"
)

// DefaultWriteTimeout bounds a single publish. Handlers run on the stream
// consumer's goroutine, so a stuck broker must not stall the stream.
const DefaultWriteTimeout = 5 * time.Second

// Log writes each event to the default logger.
type Log struct{}

// Handle logs ev at info level.
func (Log) Handle(ctx context.Context, ev eventstream.Event) {
	slog.InfoContext(ctx, "appliance event",
		"appliance", ev.ApplianceID,
		"event", ev.Event,
		"id", ev.ID,
		"data", ev.Data,
	)
}

// message is the wire format shared by the broker sinks.
type message struct {
	eventstream.Event
	ReceivedAt time.Time `json:"received_at"`
}

func encode(ev eventstream.Event) ([]byte, error) {
	return json.Marshal(message{Event: ev, ReceivedAt: time.Now().UTC()})
}
