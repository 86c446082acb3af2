package echolink

import (
	"encoding/json"
	"strings"
	"sync"
)

// Channel is a named broker channel with per-event bindings. Channels are
// obtained from the client and survive reconnects: the client resubscribes
// every known channel after each successful connection.
type Channel struct {
	name string

	mu       sync.Mutex
	bindings map[string][]func(json.RawMessage)
}

func newChannel(name string) *Channel {
	return &Channel{
		name:     name,
		bindings: make(map[string][]func(json.RawMessage)),
	}
}

// Name returns the full channel name, including any private- prefix.
func (ch *Channel) Name() string { return ch.name }

// IsPrivate reports whether the channel requires the authorization
// handshake.
func (ch *Channel) IsPrivate() bool {
	return strings.HasPrefix(ch.name, "private-") || strings.HasPrefix(ch.name, "presence-")
}

// Bind registers fn for a broker event on this channel. Multiple bindings
// per event are supported and invoked in registration order.
func (ch *Channel) Bind(event string, fn func(json.RawMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings[event] = append(ch.bindings[event], fn)
}

// dispatch routes a broker event to its bindings. Callbacks run without the
// channel lock held.
func (ch *Channel) dispatch(event string, data json.RawMessage) {
	ch.mu.Lock()
	fns := make([]func(json.RawMessage), len(ch.bindings[event]))
	copy(fns, ch.bindings[event])
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
