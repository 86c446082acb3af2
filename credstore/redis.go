package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vellum-hq/echolink/echolink"
)

const redisOpTimeout = 5 * time.Second

// RedisStore keeps the credential envelope in a Redis key and announces
// writes on a pub/sub channel. Each store instance tags its announcements
// with its own ID, so subscribers skip their own writes.
type RedisStore struct {
	client     *redis.Client
	key        string
	channel    string
	instanceID string
	log        *slog.Logger

	mu          sync.Mutex
	listeners   map[int]func(echolink.Change)
	nextID      int
	lastToken   string
	lastPresent bool

	sub    *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisStore connects to url and uses key for the envelope. Change
// announcements go out on key + ":changes".
func NewRedisStore(url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancelPing := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancelPing()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := &RedisStore{
		client:     client,
		key:        key,
		channel:    key + ":changes",
		instanceID: uuid.NewString(),
		log:        slog.Default().With("component", "credstore", "backend", "redis"),
		listeners:  make(map[int]func(echolink.Change)),
	}
	s.lastToken, s.lastPresent = s.read()

	subCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sub = client.Subscribe(subCtx, s.channel)
	go s.listen(subCtx)
	return s, nil
}

// Token implements echolink.CredentialStore.
func (s *RedisStore) Token() (string, bool) {
	return s.read()
}

// SetToken implements echolink.CredentialStore.
func (s *RedisStore) SetToken(token string) error {
	return s.write(&token)
}

// RemoveToken implements echolink.CredentialStore.
func (s *RedisStore) RemoveToken() error {
	return s.write(nil)
}

// OnExternalChange implements echolink.CredentialStore.
func (s *RedisStore) OnExternalChange(fn func(echolink.Change)) func() {
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
func (s *RedisStore) Close() error {
	s.cancel()
	if err := s.sub.Close(); err != nil {
		return err
	}
	return s.client.Close()
}

func (s *RedisStore) read() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("credential read failed", "error", err)
		}
		return "", false
	}
	return tokenFromEnvelope(data)
}

func (s *RedisStore) write(token *string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Read-modify-write against the whole envelope; last writer wins.
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.log.Warn("unreadable credential envelope, rewriting", "error", err)
		data = nil
	}
	out, err := updateEnvelope(data, token)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, out, 0).Err(); err != nil {
		s.log.Warn("credential write failed", "error", err)
		return fmt.Errorf("writing credential envelope: %w", err)
	}

	if token == nil {
		s.lastToken, s.lastPresent = "", false
	} else {
		s.lastToken, s.lastPresent = *token, *token != ""
	}

	if err := s.client.Publish(ctx, s.channel, s.instanceID).Err(); err != nil {
		s.log.Warn("change announcement failed", "error", err)
	}
	return nil
}

func (s *RedisStore) listen(ctx context.Context) {
	ch := s.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == s.instanceID {
				continue
			}
			s.reload()
		case <-ctx.Done():
			return
		}
	}
}

func (s *RedisStore) reload() {
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
