package echolink

import "time"

// Status represents the current state of the shared broker connection.
type Status int

const (
	// StatusDisconnected means no connection exists and none is being attempted.
	StatusDisconnected Status = iota

	// StatusConnecting means a connection attempt is in progress.
	StatusConnecting

	// StatusConnected means the connection is established and usable.
	StatusConnected

	// StatusReconnecting means a retry has been scheduled after a failure.
	StatusReconnecting

	// StatusError means the connection failed. If the failure is retryable
	// the monitor moves on to StatusReconnecting; otherwise the status
	// sticks here until ForceReconnect.
	StatusError
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is the point-in-time observable state of the connection monitor.
// It is recomputed after every transition and handed to subscribers; the
// zero LastConnected means the connection has never been established.
type Snapshot struct {
	Status               Status
	LastConnected        time.Time
	ReconnectAttempts    uint
	MaxReconnectAttempts uint
	LastError            *ConnError
	IsRetrying           bool
}
