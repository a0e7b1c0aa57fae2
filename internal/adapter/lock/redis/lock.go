// Package redis provides a Redis-backed domain.DistributedLock used to
// guard the discovery:<targetDirectory> critical section (spec §4.3/§5)
// and per-job heartbeat keys backing stalled-job detection (spec §4.1).
//
// Release is a single atomic Lua script, grounded on the teacher's
// token-bucket limiter (internal/service/ratelimiter/redis_lua_limiter.go)
// which runs its own bucket update as one Lua script against go-redis.
// Acquire is a plain SET NX with a TTL and Heartbeat a plain EXPIRE; neither
// runs a Lua script.
package redis

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// releaseScript deletes key only if its value still matches the token the
// caller acquired it with, so one process can never release a lock it does
// not hold (e.g. after its own TTL already expired and another process
// acquired it in the meantime).
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// Lock implements domain.DistributedLock over a single *redis.Client.
type Lock struct {
	client  *redis.Client
	release *redis.Script
	tokens  tokenStore
}

type tokenStore interface {
	get(key string) (string, bool)
	set(key, token string)
	delete(key string)
}

// NewLock constructs a Lock backed by the given Redis client.
func NewLock(client *redis.Client) *Lock {
	return &Lock{
		client:  client,
		release: redis.NewScript(releaseScript),
		tokens:  newMemTokenStore(),
	}
}

// Acquire attempts SET key token NX PX ttl. ok is false, not an error, when
// another process already holds the key — lock contention is not a failure
// (spec §7: "Exit cleanly (not an error)").
func (l *Lock) Acquire(ctx domain.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.acquire: %w", err)
	}
	if ok {
		l.tokens.set(key, token)
	}
	return ok, nil
}

// Release deletes the key iff it still holds the token this process set,
// using a single atomic script so a concurrent re-acquisition by another
// process is never clobbered.
func (l *Lock) Release(ctx domain.Context, key string) error {
	token, held := l.tokens.get(key)
	if !held {
		return nil
	}
	if err := l.release.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	l.tokens.delete(key)
	return nil
}

// Heartbeat refreshes the TTL on key so long-running holders (a job's
// stalled-detection marker, or the discovery lock during a slow run) are
// not reclaimed by another process's sweep while still alive.
func (l *Lock) Heartbeat(ctx domain.Context, key string, ttl time.Duration) error {
	if err := l.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("op=lock.heartbeat: %w", err)
	}
	return nil
}

type memTokenStore struct {
	mu sync.RWMutex
	m  map[string]string
}

func newMemTokenStore() *memTokenStore { return &memTokenStore{m: make(map[string]string)} }

func (s *memTokenStore) get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memTokenStore) set(key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = token
}

func (s *memTokenStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}
