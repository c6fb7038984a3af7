package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockService implements distributed TTL locks on Redis.
//
// Acquire is a SET NX with a per-acquisition token the caller keeps; Release
// and Refresh run token-checked scripts, so a holder whose lock already
// expired cannot delete or extend a successor's lock. A dead holder's lock
// self-expires after the TTL.
type LockService struct {
	rdb *redis.Client

	mu   sync.Mutex
	held map[string]string // key -> token, shutdown bookkeeping only
}

// NewLockService creates the lock service on an existing client.
func NewLockService(client *Client) *LockService {
	return &LockService{
		rdb:  client.rdb,
		held: make(map[string]string),
	}
}

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Acquire attempts to take the lock. Returns the holder token, or "" when
// the key is already held.
func (l *LockService) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	l.mu.Lock()
	l.held[key] = token
	l.mu.Unlock()
	return token, nil
}

// Release deletes the lock if token still owns it. Releasing a lock that
// expired or was taken over is a no-op.
func (l *LockService) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	l.mu.Unlock()

	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Refresh extends the TTL of a lock token still owns. An expired or
// taken-over lock is left untouched.
func (l *LockService) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := refreshScript.Run(ctx, l.rdb, []string{key}, token, ttl.Milliseconds()).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	return nil
}

// ReleaseHeld releases every lock this process still tracks as held. Used
// during shutdown.
func (l *LockService) ReleaseHeld(ctx context.Context) error {
	l.mu.Lock()
	held := make(map[string]string, len(l.held))
	for k, t := range l.held {
		held[k] = t
	}
	l.mu.Unlock()

	var firstErr error
	for key, token := range held {
		if err := l.Release(ctx, key, token); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
