package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another holder owns the lock.
var ErrLockHeld = errors.New("lock already held")

// OrderLockKey builds redis keys for the pending-save section of one order.
func OrderLockKey(ref string) string {
	return fmt.Sprintf("os:order:%s:lock", strings.ToUpper(strings.TrimSpace(ref)))
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks backed by redis SETNX.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes key for ttl. The returned func releases it; releasing after
// expiry is harmless.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, nil
}
