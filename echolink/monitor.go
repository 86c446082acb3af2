package echolink

import (
	"sync"
	"time"
)

// monitor owns the connection status state machine. It consumes transport
// lifecycle events, consults the retry policy on failures, schedules
// reconnects, and broadcasts a fresh Snapshot to subscribers after every
// transition.
//
// Snapshots are delivered through a queue drained by one goroutine at a
// time, so a single listener always observes transitions in order and a
// listener may call back into the client without deadlocking.
type monitor struct {
	mu     sync.Mutex
	policy *RetryPolicy
	sched  Scheduler
	clock  Clock
	log    Logger

	// redial drops the current handle and dials a fresh one. Set by the
	// client at construction; kept as a callback so the monitor does not
	// depend on the lifecycle directly.
	redial func()

	status        Status
	lastConnected time.Time
	lastError     *ConnError
	retrying      bool
	currentID     string
	retryTask     Task

	entries    []listenerEntry
	nextListen int

	queue    []Snapshot
	draining bool
}

type listenerEntry struct {
	id int
	fn func(Snapshot)
}

func newMonitor(policy *RetryPolicy, sched Scheduler, clock Clock, log Logger) *monitor {
	return &monitor{
		policy: policy,
		sched:  sched,
		clock:  clock,
		log:    log,
		status: StatusDisconnected,
	}
}

// subscribe registers fn, delivers the current snapshot immediately, and
// returns an unsubscribe function.
func (m *monitor) subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.entries = append(m.entries, listenerEntry{id: id, fn: fn})
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.safeNotify(fn, snap)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.entries {
			if e.id == id {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the current state without side effects.
func (m *monitor) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// attach makes t the current handle and binds its lifecycle events. Events
// from any previously attached handle no longer match currentID and are
// discarded. A pending retry against the old handle is cancelled.
func (m *monitor) attach(t Transport) {
	m.mu.Lock()
	m.cancelRetryLocked()
	m.currentID = t.ID()
	m.status = StatusConnecting
	m.enqueueLocked()
	m.mu.Unlock()

	t.Bind(m.handleEvent)
	m.drain()
}

// detach clears the current handle and cancels any pending retry. Called on
// teardown; the resulting status is a clean Disconnected.
func (m *monitor) detach() {
	m.mu.Lock()
	m.cancelRetryLocked()
	m.currentID = ""
	if m.status != StatusDisconnected {
		m.status = StatusDisconnected
		m.retrying = false
		m.enqueueLocked()
	}
	m.mu.Unlock()
	m.drain()
}

// prepareForce resets retry bookkeeping ahead of a user-triggered reconnect.
func (m *monitor) prepareForce() {
	m.mu.Lock()
	m.cancelRetryLocked()
	m.policy.Reset()
	m.retrying = false
	m.mu.Unlock()
}

// reportError feeds a failure that did not arrive as a transport event,
// such as a construction error in the lifecycle.
func (m *monitor) reportError(code int, message string) {
	m.mu.Lock()
	m.failLocked(m.policy.Classify(code, message))
	m.mu.Unlock()
	m.drain()
}

func (m *monitor) handleEvent(ev TransportEvent) {
	m.mu.Lock()
	if ev.HandleID != m.currentID {
		m.mu.Unlock()
		m.log.Debug("ignoring event from superseded handle", map[string]any{
			"handle": ev.HandleID,
		})
		return
	}

	switch ev.Type {
	case EventConnected:
		m.status = StatusConnected
		m.lastConnected = m.clock.Now()
		m.policy.Reset()
		m.lastError = nil
		m.retrying = false
		m.enqueueLocked()
		m.log.Info("connected", nil)

	case EventDisconnected:
		// A clean disconnect never schedules a retry; only errors do.
		// Ignore it unless we were actually connected, so a late close
		// frame cannot knock out a pending reconnect.
		if m.status == StatusConnected {
			m.status = StatusDisconnected
			m.retrying = false
			m.enqueueLocked()
			m.log.Info("disconnected", nil)
		}

	case EventError:
		// The first failure from this handle already scheduled a retry;
		// a second loop error while one is pending adds nothing.
		if m.status == StatusReconnecting {
			break
		}
		m.failLocked(m.policy.Classify(ev.Code, ev.Message))
	}
	m.mu.Unlock()
	m.drain()
}

func (m *monitor) failLocked(ce *ConnError) {
	m.lastError = ce
	m.status = StatusError
	m.enqueueLocked()

	if !m.policy.ShouldRetry(ce) {
		m.retrying = false
		m.log.Warn("not retrying", map[string]any{
			"error":    ce.Error(),
			"attempts": m.policy.Attempt(),
		})
		return
	}

	delay := m.policy.NextDelay()
	m.policy.MarkScheduled()
	m.retrying = true
	m.status = StatusReconnecting
	m.retryTask = m.sched.Schedule(delay, m.retryFired)
	m.enqueueLocked()
	m.log.Info("retry scheduled", map[string]any{
		"attempt": m.policy.Attempt(),
		"delay":   delay.String(),
	})
}

func (m *monitor) retryFired() {
	m.mu.Lock()
	m.retryTask = nil
	if m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.redial()
}

func (m *monitor) cancelRetryLocked() {
	if m.retryTask != nil {
		m.retryTask.Cancel()
		m.retryTask = nil
	}
}

func (m *monitor) snapshotLocked() Snapshot {
	return Snapshot{
		Status:               m.status,
		LastConnected:        m.lastConnected,
		ReconnectAttempts:    m.policy.Attempt(),
		MaxReconnectAttempts: m.policy.MaxAttempts(),
		LastError:            m.lastError,
		IsRetrying:           m.retrying,
	}
}

func (m *monitor) enqueueLocked() {
	m.queue = append(m.queue, m.snapshotLocked())
}

// drain delivers queued snapshots to listeners in order. Only one goroutine
// drains at a time; listeners run without the state lock held.
func (m *monitor) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		snap := m.queue[0]
		m.queue = m.queue[1:]
		listeners := make([]listenerEntry, len(m.entries))
		copy(listeners, m.entries)
		m.mu.Unlock()
		for _, e := range listeners {
			m.safeNotify(e.fn, snap)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

// safeNotify isolates listener panics so one bad listener cannot starve the
// others.
func (m *monitor) safeNotify(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", map[string]any{"panic": r})
		}
	}()
	fn(snap)
}
