package echolink

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls backoff behaviour.
type RetryConfig struct {
	MaxAttempts uint          `envconfig:"ECHOLINK_RETRY_MAX_ATTEMPTS" yaml:"max_attempts"`
	BaseDelay   time.Duration `envconfig:"ECHOLINK_RETRY_BASE_DELAY" yaml:"base_delay"`
	MaxDelay    time.Duration `envconfig:"ECHOLINK_RETRY_MAX_DELAY" yaml:"max_delay"`
	Multiplier  float64       `envconfig:"ECHOLINK_RETRY_MULTIPLIER" yaml:"multiplier"`
	Jitter      bool          `envconfig:"ECHOLINK_RETRY_JITTER" yaml:"jitter"`
}

// DefaultRetryConfig returns sensible defaults: five attempts, exponential
// backoff from one second capped at thirty, jitter on.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// RetryPolicy classifies failures and advises on retry timing. It is pure
// bookkeeping: it never touches the network or the transport. The attempt
// counter is mutated only by the connection monitor, which owns the policy.
type RetryPolicy struct {
	cfg     RetryConfig
	attempt uint

	now       func() time.Time
	randFloat func() float64
}

// NewRetryPolicy constructs a policy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		cfg:       cfg,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Classify maps a broker-reported failure (close code and/or message text)
// into a ConnError. Unrecognized failures are retryable by default; the
// optimistic choice is deliberate so that transient broker hiccups recover
// without operator action.
func (p *RetryPolicy) Classify(code int, message string) *ConnError {
	ce := &ConnError{
		Code:       code,
		Message:    message,
		OccurredAt: p.now(),
	}

	switch code {
	case CodeAuthRejected:
		ce.Kind = KindAuthentication
		ce.Retryable = false
		return ce
	case CodeTokenExpired:
		ce.Kind = KindAuthentication
		ce.Retryable = true
		return ce
	case CodeConnectionLimit:
		ce.Kind = KindConnection
		ce.Retryable = false
		return ce
	case CodeConnectionRefused, CodeConnectionTimeout:
		ce.Kind = KindConnection
		ce.Retryable = true
		return ce
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "network"):
		ce.Kind = KindNetwork
	case strings.Contains(lower, "timeout"):
		ce.Kind = KindTimeout
	case strings.Contains(lower, "auth"):
		ce.Kind = KindAuthentication
	default:
		ce.Kind = KindUnknown
	}
	ce.Retryable = true
	return ce
}

// ShouldRetry reports whether err warrants another attempt.
func (p *RetryPolicy) ShouldRetry(err *ConnError) bool {
	if err == nil || !err.Retryable {
		return false
	}
	return p.attempt < p.cfg.MaxAttempts
}

// NextDelay computes the delay before the next attempt without mutating the
// counter: min(MaxDelay, BaseDelay * Multiplier^attempt), scaled by a uniform
// random factor in [0.5, 1.0] when jitter is enabled.
func (p *RetryPolicy) NextDelay() time.Duration {
	d := time.Duration(float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(p.attempt)))
	if d > p.cfg.MaxDelay || d < 0 {
		d = p.cfg.MaxDelay
	}
	if p.cfg.Jitter {
		d = time.Duration(float64(d) * (0.5 + 0.5*p.randFloat()))
	}
	return d
}

// MarkScheduled increments the attempt counter. Called when a retry is
// actually scheduled, not when a delay is merely computed.
func (p *RetryPolicy) MarkScheduled() {
	p.attempt++
}

// Reset clears the attempt counter. Called exactly once per successful
// connection.
func (p *RetryPolicy) Reset() {
	p.attempt = 0
}

// Attempt returns the number of retries scheduled since the last reset.
func (p *RetryPolicy) Attempt() uint {
	return p.attempt
}

// MaxAttempts returns the configured attempt ceiling.
func (p *RetryPolicy) MaxAttempts() uint {
	return p.cfg.MaxAttempts
}
