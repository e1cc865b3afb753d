package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Mutex is a process-wide mutual exclusion lock backed by Redis. At most one
// scheduler pass holds it at a time; acquisition waits a bounded window and
// then gives up so overlapping timer firings abort cleanly.
type Mutex struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewMutex builds a mutex on the given key. The TTL bounds how long a crashed
// holder can keep the lock.
func NewMutex(client *redis.Client, key string, ttl time.Duration) *Mutex {
	return &Mutex{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts to take the lock, retrying until wait elapses.
// It returns false without error when another holder kept the lock the whole window.
func (m *Mutex) TryAcquire(ctx context.Context, wait time.Duration) (bool, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, m.key, token, m.ttl).Result()
		if err != nil {
			return false, err
		}
		if ok {
			m.token = token
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Release frees the lock if this mutex still holds it. Releasing a lock taken
// over by another holder (after TTL expiry) is a no-op.
func (m *Mutex) Release(ctx context.Context) error {
	if m.token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, m.client, []string{m.key}, m.token).Err()
	if err == redis.Nil {
		err = nil
	}
	m.token = ""
	return err
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
