package echolink

import (
	"context"
	"encoding/json"
	"time"
)

// TransportState is the transport's own view of its connection.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
	TransportFailed
)

// String returns the string representation of a TransportState.
func (s TransportState) String() string {
	switch s {
	case TransportDisconnected:
		return "disconnected"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransportEventType distinguishes transport lifecycle events.
type TransportEventType int

const (
	// EventConnected fires once the broker acknowledges the connection.
	EventConnected TransportEventType = iota

	// EventDisconnected fires on a clean, locally initiated disconnect.
	// It never triggers the retry path.
	EventDisconnected

	// EventError fires on any failure: dial errors, broker error frames,
	// unclean closes.
	EventError
)

// TransportEvent is a lifecycle event emitted by a transport handle. The
// HandleID tags the originating handle so that events from a superseded
// handle can be discarded.
type TransportEvent struct {
	HandleID string
	Type     TransportEventType
	Code     int
	Message  string
}

// ChannelMessage is a broker event delivered on a subscribed channel.
type ChannelMessage struct {
	Channel string
	Event   string
	Data    json.RawMessage
}

// Transport is the live connection to the broker, opaque beyond
// connect/disconnect/subscribe and event emission. At most one live handle
// exists per client; the lifecycle enforces that invariant.
type Transport interface {
	// ID returns the handle identity used for stale-event filtering.
	ID() string

	// State returns the transport's current connection state.
	State() TransportState

	// Bind registers the lifecycle event handler. Must be called before
	// Connect so no event is lost.
	Bind(fn func(TransportEvent))

	// BindMessages registers the channel message handler.
	BindMessages(fn func(ChannelMessage))

	// Connect starts the asynchronous connection attempt. A non-nil error
	// means the attempt could not even start; later failures arrive as
	// EventError.
	Connect(ctx context.Context) error

	// Subscribe subscribes to a channel, performing the channel
	// authorization handshake for private and presence channels.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe removes a channel subscription.
	Unsubscribe(ctx context.Context, channel string) error

	// Disconnect closes the connection and releases the handle.
	Disconnect() error
}

// TransportConfig is everything a transport needs to reach the broker.
type TransportConfig struct {
	Broadcaster       string
	AppKey            string
	Host              string
	Port              int // 0 means the scheme's default port
	ForceTLS          bool
	EnabledTransports []string
	AuthEndpoint      string
	AuthHeaders       map[string]string
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// TransportFactory constructs a transport handle from config. The pusher
// package provides the production factory; tests inject fakes.
type TransportFactory func(cfg TransportConfig) (Transport, error)
