package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const SweepLockKey = "webhooks:sweep:lock"

// Only the holder's token may release the lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-key lease used to keep one retry sweep running across the fleet.
type Lock struct {
	client *goredis.Client
	key    string
	newID  func() string
}

func NewLock(client *goredis.Client, key string) (*Lock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}

	return &Lock{
		client: client,
		key:    key,
		newID:  uuid.NewString,
	}, nil
}

// Acquire tries once to take the lease for ttl. It returns a release func when
// the lock was obtained, and acquired=false when another holder owns it.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, acquired bool, err error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	token := l.newID()
	err = l.client.SetArgs(ctx, l.key, token, goredis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}

	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}
