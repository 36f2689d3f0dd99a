package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/florianilch/hcbridge/internal/eventstream"
)

// DefaultClientBuffer is the number of events buffered per SSE client.
const DefaultClientBuffer = 32

// Broadcaster fans appliance events out to connected SSE clients. A client
// whose buffer is full misses events rather than blocking the stream.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan eventstream.Event]struct{}
	buffer  int
}

// NewBroadcaster creates a Broadcaster with buffer events per client.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	return &Broadcaster{
		clients: make(map[chan eventstream.Event]struct{}),
		buffer:  buffer,
	}
}

// Handle offers ev to every client. It never blocks.
func (b *Broadcaster) Handle(ctx context.Context, ev eventstream.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			slog.WarnContext(ctx, "SSE client too slow, dropping event", "event", ev.Event, "id", ev.ID)
		}
	}
}

// Subscribe registers a client. The returned function unregisters it and
// must be called exactly once.
func (b *Broadcaster) Subscribe() (<-chan eventstream.Event, func()) {
	ch := make(chan eventstream.Event, b.buffer)

	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
