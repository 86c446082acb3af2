// Package echolink maintains a single resilient publish/subscribe connection
// to a Pusher-compatible realtime broker. It authenticates the connection
// from a shared credential store, recovers from failures with bounded
// exponential backoff, and keeps multiple processes sharing the store
// consistent when the credential changes.
package echolink

import (
	"context"
	"strings"
	"sync"
)

// Client is the composition root owning the retry policy, connection
// lifecycle, monitor, and cross-process coordinator. Construct one per
// application and share it by reference.
type Client struct {
	cfg     Config
	log     *swappableLogger
	creds   CredentialStore
	monitor *monitor
	lc      *lifecycle
	coord   *coordinator

	chanMu   sync.Mutex
	channels map[string]*Channel

	runCtx context.Context
	cancel context.CancelFunc
	unsub  func()
}

// NewClient constructs a client. A nil creds falls back to an in-memory
// store, as does an environment without persistent storage. The factory is
// typically pusher.New; tests inject fakes.
func NewClient(cfg Config, creds CredentialStore, factory TransportFactory) *Client {
	log := &swappableLogger{l: noopLogger{}}
	if creds == nil || !cfg.Environment.HasPersistentStore {
		creds = NewMemoryStore()
	}

	clock := systemClock{}
	sched := timerScheduler{}
	policy := NewRetryPolicy(cfg.Retry)
	mon := newMonitor(policy, sched, clock, log)
	lc := newLifecycle(cfg, creds, factory, mon, sched, clock, log)

	ctx, cancel := context.WithCancel(context.Background())
	mon.redial = func() { lc.redial(ctx) }

	c := &Client{
		cfg:      cfg,
		log:      log,
		creds:    creds,
		monitor:  mon,
		lc:       lc,
		channels: make(map[string]*Channel),
		runCtx:   ctx,
		cancel:   cancel,
	}

	c.coord = newCoordinator(creds, lc, log)
	c.coord.start(ctx)
	c.unsub = mon.subscribe(c.onSnapshot)
	return c
}

// SetLogger overrides the logger (optional).
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.log.swap(l)
}

// EnsureConnected establishes the shared connection if none is usable.
// Idempotent: concurrent and repeated calls never create a second handle.
// Without a stored credential it does nothing.
func (c *Client) EnsureConnected(ctx context.Context) {
	if !c.cfg.Environment.HasNetworkTransport {
		c.log.Debug("no network transport available, skipping connect", nil)
		return
	}
	c.lc.ensureConnected(ctx)
}

// Teardown releases the connection. With immediate=false the release is
// debounced and cancelled by a subsequent EnsureConnected.
func (c *Client) Teardown(immediate bool) {
	c.lc.teardown(immediate)
}

// ForceReconnect disconnects and reconnects immediately, resetting retry
// state. The manual recovery path once automatic retries are exhausted.
func (c *Client) ForceReconnect(ctx context.Context) {
	if !c.cfg.Environment.HasNetworkTransport {
		return
	}
	c.lc.forceReconnect(ctx)
}

// Subscribe registers a listener that receives the current snapshot
// immediately and every subsequent transition in order. The returned
// function unsubscribes.
func (c *Client) Subscribe(fn func(Snapshot)) func() {
	return c.monitor.subscribe(fn)
}

// Status returns the current snapshot without side effects.
func (c *Client) Status() Snapshot {
	return c.monitor.snapshot()
}

// Channel returns the named public channel, creating it on first use and
// subscribing it once the connection is up.
func (c *Client) Channel(name string) *Channel {
	return c.channel(name)
}

// PrivateChannel returns the private channel for name, applying the
// private- prefix if absent. Subscription goes through the channel
// authorization handshake.
func (c *Client) PrivateChannel(name string) *Channel {
	if !strings.HasPrefix(name, "private-") {
		name = "private-" + name
	}
	return c.channel(name)
}

// Forget drops a channel and unsubscribes it from the live connection.
func (c *Client) Forget(name string) {
	c.chanMu.Lock()
	_, known := c.channels[name]
	delete(c.channels, name)
	c.chanMu.Unlock()
	if !known {
		return
	}
	if t := c.lc.handle(); t != nil && t.State() == TransportConnected {
		go func() {
			if err := t.Unsubscribe(c.runCtx, name); err != nil {
				c.log.Warn("unsubscribe failed", map[string]any{"channel": name, "error": err.Error()})
			}
		}()
	}
}

// Close tears down the connection and stops the coordinator. The credential
// store remains open; its owner closes it.
func (c *Client) Close() error {
	c.coord.stop()
	if c.unsub != nil {
		c.unsub()
	}
	c.lc.teardown(true)
	c.cancel()
	return nil
}

func (c *Client) channel(name string) *Channel {
	c.chanMu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		ch = newChannel(name)
		c.channels[name] = ch
	}
	c.chanMu.Unlock()

	if !ok {
		if t := c.lc.handle(); t != nil && t.State() == TransportConnected {
			go c.subscribeChannel(t, name)
		}
	}
	return ch
}

// onSnapshot rebinds message routing and resubscribes known channels after
// every successful connection.
func (c *Client) onSnapshot(snap Snapshot) {
	if snap.Status != StatusConnected {
		return
	}
	t := c.lc.handle()
	if t == nil {
		return
	}
	t.BindMessages(c.routeMessage)

	c.chanMu.Lock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	c.chanMu.Unlock()

	for _, name := range names {
		go c.subscribeChannel(t, name)
	}
}

func (c *Client) subscribeChannel(t Transport, name string) {
	if err := t.Subscribe(c.runCtx, name); err != nil {
		c.log.Warn("channel subscription failed", map[string]any{"channel": name, "error": err.Error()})
	}
}

func (c *Client) routeMessage(msg ChannelMessage) {
	c.chanMu.Lock()
	ch := c.channels[msg.Channel]
	c.chanMu.Unlock()
	if ch != nil {
		ch.dispatch(msg.Event, msg.Data)
	}
}

// swappableLogger lets SetLogger take effect after construction; components
// capture the wrapper, not the inner logger.
type swappableLogger struct {
	mu sync.RWMutex
	l  Logger
}

func (s *swappableLogger) swap(l Logger) {
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
}

func (s *swappableLogger) get() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l
}

func (s *swappableLogger) Debug(msg string, f map[string]any) { s.get().Debug(msg, f) }
func (s *swappableLogger) Info(msg string, f map[string]any)  { s.get().Info(msg, f) }
func (s *swappableLogger) Warn(msg string, f map[string]any)  { s.get().Warn(msg, f) }
func (s *swappableLogger) Error(msg string, f map[string]any) { s.get().Error(msg, f) }
