package echolink

import (
	"fmt"
	"time"
)

// ErrorKind categorizes a connection failure.
type ErrorKind int

const (
	// KindUnknown covers failures the classifier does not recognize.
	KindUnknown ErrorKind = iota

	// KindAuthentication covers credential rejections and token expiry.
	KindAuthentication

	// KindConnection covers broker-side connection failures.
	KindConnection

	// KindNetwork covers transport-level network failures.
	KindNetwork

	// KindTimeout covers timed-out operations.
	KindTimeout
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindConnection:
		return "connection"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown_kind_%d", k)
	}
}

// Broker close codes understood by the classifier.
const (
	// CodeAuthRejected means the credentials were fundamentally rejected.
	// Terminal: retrying with the same token cannot succeed.
	CodeAuthRejected = 4000

	// CodeTokenExpired means the token expired; a retry may pick up a
	// refreshed token from the credential store.
	CodeTokenExpired = 4001

	// CodeConnectionLimit means the broker's connection quota is exhausted.
	CodeConnectionLimit = 4004

	// CodeConnectionRefused means the broker refused the connection.
	CodeConnectionRefused = 4005

	// CodeConnectionTimeout means the connection attempt timed out.
	CodeConnectionTimeout = 4008
)

// ConnError is a classified connection failure. It is created by
// RetryPolicy.Classify and immutable once constructed; raw transport errors
// never reach consumers, only ConnError values inside snapshots do.
type ConnError struct {
	Kind       ErrorKind
	Code       int // broker close code, 0 when the failure carried none
	Message    string
	OccurredAt time.Time
	Retryable  bool
	Wrapped    error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *ConnError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is comparison by kind.
func (e *ConnError) Is(target error) bool {
	t, ok := target.(*ConnError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsTerminal reports whether err is a classified failure that automatic
// retries cannot recover from.
func IsTerminal(err error) bool {
	ce, ok := err.(*ConnError)
	return ok && !ce.Retryable
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	ce, ok := err.(*ConnError)
	return ok && ce.Kind == KindAuthentication
}
