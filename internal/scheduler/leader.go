package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// LeaderLock elects a single active scheduler across processes with a Redis
// key holding the owner token. Only the owner may renew or release it.
type LeaderLock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// NewLeaderLock constructs a lock identified by token.
func NewLeaderLock(client redis.UniversalClient, key, token string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{client: client, key: key, token: token, ttl: ttl}
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Acquire takes the lock or extends it when already held by this token.
func (l *LeaderLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader lock: setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader lock: renew: %w", err)
	}
	return renewed == 1, nil
}

// Release gives up the lock if this token still owns it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader lock: release: %w", err)
	}
	return nil
}
