package echolink

import (
	"context"
	"sync"
	"time"
)

// lifecycle owns creation and destruction of the single transport handle.
// Invariant: at most one live handle exists; a new one is never created
// while an existing one is usable, and a replaced handle is released only
// after its successor is fully constructed.
type lifecycle struct {
	cfg     Config
	creds   CredentialStore
	factory TransportFactory
	monitor *monitor
	sched   Scheduler
	clock   Clock
	log     Logger

	mu              sync.Mutex
	current         Transport
	creating        bool
	gen             uint64 // bumped by teardown and replacement; invalidates in-flight creations
	lastCreatedAt   time.Time
	pendingTeardown Task
}

func newLifecycle(cfg Config, creds CredentialStore, factory TransportFactory, mon *monitor, sched Scheduler, clock Clock, log Logger) *lifecycle {
	return &lifecycle{
		cfg:     cfg,
		creds:   creds,
		factory: factory,
		monitor: mon,
		sched:   sched,
		clock:   clock,
		log:     log,
	}
}

// ensureConnected is the idempotent entry point. It returns the current
// handle, the freshly created one, or nil when no credential is available
// or construction failed. A pending debounced teardown is cancelled first.
func (l *lifecycle) ensureConnected(ctx context.Context) Transport {
	l.mu.Lock()
	l.cancelTeardownLocked()

	// Another caller is mid-construction; hand back whatever exists
	// rather than racing a second creation.
	if l.creating {
		t := l.current
		l.mu.Unlock()
		return t
	}
	if l.current != nil && l.usableLocked() {
		t := l.current
		l.mu.Unlock()
		return t
	}

	token, ok := l.creds.Token()
	if !ok {
		l.mu.Unlock()
		l.log.Debug("no credential present, connection not attempted", nil)
		return nil
	}

	l.creating = true
	gen := l.gen
	tcfg := l.cfg.transportConfig(token)
	l.mu.Unlock()

	t, err := l.factory(tcfg)
	if err != nil {
		l.mu.Lock()
		stale := l.gen != gen
		if !stale {
			l.creating = false
		}
		l.mu.Unlock()
		if stale {
			return nil
		}
		l.log.Warn("transport construction failed", map[string]any{"error": err.Error()})
		l.monitor.reportError(CodeConnectionRefused, "transport construction failed: "+err.Error())
		return nil
	}

	l.mu.Lock()
	if l.gen != gen {
		// A teardown or replacement won the race while the factory ran.
		// This handle was built from a superseded credential and must
		// never become current.
		cur := l.current
		l.mu.Unlock()
		_ = t.Disconnect()
		return cur
	}
	old := l.current
	l.current = t
	l.lastCreatedAt = l.clock.Now()
	l.creating = false
	l.mu.Unlock()

	// The old handle is dead by now; its events are discarded once the
	// monitor attaches to the new identity.
	if old != nil {
		_ = old.Disconnect()
	}

	l.monitor.attach(t)
	if err := t.Connect(ctx); err != nil {
		l.log.Warn("connect could not start", map[string]any{"error": err.Error()})
	}
	return t
}

// teardown releases the handle. With immediate=false the release is
// debounced to absorb rapid mount/unmount cycles and can be cancelled by a
// subsequent ensureConnected.
func (l *lifecycle) teardown(immediate bool) {
	l.mu.Lock()
	l.cancelTeardownLocked()

	if !immediate {
		if l.current == nil && !l.creating {
			l.mu.Unlock()
			return
		}
		l.pendingTeardown = l.sched.Schedule(l.cfg.TeardownDebounce, func() {
			l.mu.Lock()
			l.pendingTeardown = nil
			l.mu.Unlock()
			l.teardown(true)
		})
		l.mu.Unlock()
		return
	}

	old := l.current
	l.current = nil
	l.creating = false
	l.gen++
	l.mu.Unlock()

	// Detach first so the close frame from the old handle is ignored.
	l.monitor.detach()
	if old != nil {
		_ = old.Disconnect()
	}
}

// forceReconnect disconnects, resets retry state, and reconnects. The
// recovery path once automatic retries are exhausted.
func (l *lifecycle) forceReconnect(ctx context.Context) {
	l.monitor.prepareForce()
	l.dropCurrent()
	l.ensureConnected(ctx)
}

// redial replaces a failed handle during the automatic retry path. Unlike
// forceReconnect it leaves the retry counters alone.
func (l *lifecycle) redial(ctx context.Context) {
	l.dropCurrent()
	l.ensureConnected(ctx)
}

func (l *lifecycle) dropCurrent() {
	l.mu.Lock()
	l.cancelTeardownLocked()
	old := l.current
	l.current = nil
	l.creating = false
	l.gen++
	l.mu.Unlock()
	if old != nil {
		_ = old.Disconnect()
	}
}

// usableLocked reports whether the current handle can be reused: connected,
// or still connecting and created within the freshness window.
func (l *lifecycle) usableLocked() bool {
	switch l.current.State() {
	case TransportConnected:
		return true
	case TransportConnecting:
		return l.clock.Now().Sub(l.lastCreatedAt) < l.cfg.FreshnessWindow
	default:
		return false
	}
}

func (l *lifecycle) cancelTeardownLocked() {
	if l.pendingTeardown != nil {
		l.pendingTeardown.Cancel()
		l.pendingTeardown = nil
	}
}

// handle returns the current transport, or nil.
func (l *lifecycle) handle() Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
