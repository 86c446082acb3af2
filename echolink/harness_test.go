package echolink

import (
	"context"
	"sync"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeScheduler records scheduled tasks and fires them on demand.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

type fakeTask struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (t *fakeTask) Cancel() bool {
	if t.fired || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &fakeTask{delay: d, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// pending returns scheduled tasks that have neither fired nor been cancelled.
func (s *fakeScheduler) pending() []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTask
	for _, t := range s.tasks {
		if !t.fired && !t.cancelled {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the oldest pending task.
func (s *fakeScheduler) fire() bool {
	s.mu.Lock()
	var task *fakeTask
	for _, t := range s.tasks {
		if !t.fired && !t.cancelled {
			task = t
			break
		}
	}
	if task == nil {
		s.mu.Unlock()
		return false
	}
	task.fired = true
	s.mu.Unlock()
	task.fn()
	return true
}

// fakeTransport is a scriptable transport handle.
type fakeTransport struct {
	mu      sync.Mutex
	id      string
	state   TransportState
	handler func(TransportEvent)
	msgs    func(ChannelMessage)

	connectCalls    int
	disconnectCalls int
	subscribed      []string
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, state: TransportDisconnected}
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Bind(fn func(TransportEvent)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *fakeTransport) BindMessages(fn func(ChannelMessage)) {
	t.mu.Lock()
	t.msgs = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	t.connectCalls++
	t.state = TransportConnecting
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Subscribe(_ context.Context, channel string) error {
	t.mu.Lock()
	t.subscribed = append(t.subscribed, channel)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Unsubscribe(context.Context, string) error { return nil }

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	t.disconnectCalls++
	t.state = TransportDisconnected
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) emit(ev TransportEvent) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (t *fakeTransport) reportConnected() {
	t.mu.Lock()
	t.state = TransportConnected
	t.mu.Unlock()
	t.emit(TransportEvent{HandleID: t.id, Type: EventConnected})
}

func (t *fakeTransport) reportError(code int, msg string) {
	t.mu.Lock()
	t.state = TransportFailed
	t.mu.Unlock()
	t.emit(TransportEvent{HandleID: t.id, Type: EventError, Code: code, Message: msg})
}

func (t *fakeTransport) reportClosed() {
	t.mu.Lock()
	t.state = TransportDisconnected
	t.mu.Unlock()
	t.emit(TransportEvent{HandleID: t.id, Type: EventDisconnected})
}

// fakeFactory constructs fakeTransports and remembers every config it saw.
type fakeFactory struct {
	mu      sync.Mutex
	n       int
	configs []TransportConfig
	built   []*fakeTransport
	err     error
	gate    func()
}

func (f *fakeFactory) factory(cfg TransportConfig) (Transport, error) {
	if g := f.takeGate(); g != nil {
		g()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	t := newFakeTransport(string(rune('a' + f.n - 1)))
	f.configs = append(f.configs, cfg)
	f.built = append(f.built, t)
	return t, nil
}

// takeGate pops the one-shot construction gate, letting a test hold a single
// creation in flight while other calls proceed.
func (f *fakeFactory) takeGate() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.gate
	f.gate = nil
	return g
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

// fakeStore is an in-memory store whose external changes tests trigger by
// hand, simulating another process writing the envelope.
type fakeStore struct {
	mu        sync.Mutex
	token     string
	present   bool
	listeners []func(Change)
}

func (s *fakeStore) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.present
}

func (s *fakeStore) SetToken(token string) error {
	s.mu.Lock()
	s.token, s.present = token, true
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) RemoveToken() error {
	s.mu.Lock()
	s.token, s.present = "", false
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) OnExternalChange(fn func(Change)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *fakeStore) Close() error { return nil }

// writeExternally mimics another process updating the envelope: the stored
// value changes and external-change listeners fire.
func (s *fakeStore) writeExternally(token string, present bool) {
	s.mu.Lock()
	s.token, s.present = token, present
	fns := make([]func(Change), len(s.listeners))
	copy(fns, s.listeners)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(Change{Token: token, Present: present})
	}
}

// stack bundles a fully wired lifecycle/monitor pair on fakes.
type stack struct {
	cfg     Config
	store   *fakeStore
	factory *fakeFactory
	sched   *fakeScheduler
	clock   *fakeClock
	policy  *RetryPolicy
	mon     *monitor
	lc      *lifecycle
}

func newStack(mutate func(*Config)) *stack {
	cfg := DefaultConfig()
	cfg.Settings = Settings{AppKey: "app-key", WSHost: "broker.test", WSPort: 8080}
	cfg.Retry.Jitter = false
	if mutate != nil {
		mutate(&cfg)
	}

	st := &stack{
		cfg:     cfg,
		store:   &fakeStore{},
		factory: &fakeFactory{},
		sched:   &fakeScheduler{},
		clock:   newFakeClock(),
	}
	st.policy = NewRetryPolicy(cfg.Retry)
	st.policy.now = st.clock.Now
	st.mon = newMonitor(st.policy, st.sched, st.clock, noopLogger{})
	st.lc = newLifecycle(cfg, st.store, st.factory.factory, st.mon, st.sched, st.clock, noopLogger{})
	st.mon.redial = func() { st.lc.redial(context.Background()) }
	return st
}
