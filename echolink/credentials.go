package echolink

import "sync"

// Change describes an update to the shared credential envelope.
type Change struct {
	Token   string
	Present bool
}

// CredentialStore holds the bearer token inside a persisted envelope shared
// with other processes. Implementations live in the credstore package; the
// core only ever reads a copy of the token when building connection config.
type CredentialStore interface {
	// Token returns the current token. Absent or unreadable credentials
	// report ok=false; a malformed envelope is treated as absent, never
	// as a fatal error.
	Token() (token string, ok bool)

	// SetToken writes the token into the envelope, preserving any other
	// fields already present.
	SetToken(token string) error

	// RemoveToken deletes the token field from the envelope.
	RemoveToken() error

	// OnExternalChange registers fn for envelope writes made by another
	// process. It must never fire for this instance's own writes. The
	// returned function unregisters fn.
	OnExternalChange(fn func(Change)) (unsubscribe func())

	// Close releases watchers and subscriptions held by the store.
	Close() error
}

// MemoryStore is a process-local CredentialStore for environments without a
// persistent store. It never observes external changes.
type MemoryStore struct {
	mu      sync.Mutex
	token   string
	present bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Token implements CredentialStore.
func (m *MemoryStore) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.present
}

// SetToken implements CredentialStore.
func (m *MemoryStore) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.present = true
	return nil
}

// RemoveToken implements CredentialStore.
func (m *MemoryStore) RemoveToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.present = false
	return nil
}

// OnExternalChange implements CredentialStore. A memory store has no
// external writers, so fn is never invoked.
func (m *MemoryStore) OnExternalChange(func(Change)) func() {
	return func() {}
}

// Close implements CredentialStore.
func (m *MemoryStore) Close() error { return nil }
