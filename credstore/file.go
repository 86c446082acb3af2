package credstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vellum-hq/echolink/echolink"
)

// reloadDelay batches bursts of filesystem events into one reload, the same
// way editors and atomic renames produce several events per logical write.
const reloadDelay = 100 * time.Millisecond

// FileStore keeps the credential envelope in a JSON file shared between
// processes. External writes are observed through fsnotify on the parent
// directory (the file itself may be replaced atomically) and reported to
// listeners; the store's own writes are suppressed by value comparison, so
// there is no feedback loop.
type FileStore struct {
	path    string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu          sync.Mutex
	listeners   map[int]func(echolink.Change)
	nextID      int
	lastToken   string
	lastPresent bool
	reloadTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// NewFileStore opens (or prepares) the envelope at path and starts watching
// for external changes.
func NewFileStore(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching credential directory: %w", err)
	}

	s := &FileStore{
		path:      abs,
		watcher:   watcher,
		log:       slog.Default().With("component", "credstore", "path", abs),
		listeners: make(map[int]func(echolink.Change)),
		done:      make(chan struct{}),
	}
	s.lastToken, s.lastPresent = s.read()

	go s.watchLoop()
	return s, nil
}

// Token implements echolink.CredentialStore. It always reads from disk; the
// file is the shared source of truth.
func (s *FileStore) Token() (string, bool) {
	return s.read()
}

// SetToken implements echolink.CredentialStore.
func (s *FileStore) SetToken(token string) error {
	return s.write(&token)
}

// RemoveToken implements echolink.CredentialStore.
func (s *FileStore) RemoveToken() error {
	return s.write(nil)
}

// OnExternalChange implements echolink.CredentialStore.
func (s *FileStore) OnExternalChange(fn func(echolink.Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close implements echolink.CredentialStore.
func (s *FileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.reloadTimer != nil {
			s.reloadTimer.Stop()
		}
		s.mu.Unlock()
		err = s.watcher.Close()
	})
	return err
}

func (s *FileStore) read() (string, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}
	return tokenFromEnvelope(data)
}

func (s *FileStore) write(token *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Read-modify-write of the whole envelope so fields owned by other
	// features are never clobbered. Last writer wins across processes.
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		s.log.Warn("unreadable credential envelope, rewriting", "error", err)
		data = nil
	}
	out, err := updateEnvelope(data, token)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		s.log.Warn("credential write failed", "error", err)
		return fmt.Errorf("writing credential envelope: %w", err)
	}

	// Record what we wrote so the watcher recognizes our own write and
	// stays silent.
	if token == nil {
		s.lastToken, s.lastPresent = "", false
	} else {
		s.lastToken, s.lastPresent = *token, *token != ""
	}
	return nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.scheduleReload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watch error", "error", err)
		case <-s.done:
			return
		}
	}
}

func (s *FileStore) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	s.reloadTimer = time.AfterFunc(reloadDelay, s.reload)
}

func (s *FileStore) reload() {
	token, present := s.read()

	s.mu.Lock()
	if token == s.lastToken && present == s.lastPresent {
		s.mu.Unlock()
		return
	}
	s.lastToken, s.lastPresent = token, present
	fns := make([]func(echolink.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.log.Debug("external credential change", "present", present)
	for _, fn := range fns {
		fn(echolink.Change{Token: token, Present: present})
	}
}
