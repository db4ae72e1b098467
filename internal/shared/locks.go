package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld indicates another worker owns the critical section.
var ErrLockHeld = errors.New("lock already held")

// TenantMaintenanceLockKey builds redis keys for per-tenant scheduler runs.
func TenantMaintenanceLockKey(tenantID string) string {
	return fmt.Sprintf("cycles:tenant:%s:lock", tenantID)
}

// Locker acquires short-lived redis locks using SET NX PX.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. A nil client yields a no-op locker.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the lock for key and returns a release func.
func (l *Locker) Acquire(ctx context.Context, key, owner string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		// Only the owner may release; a stale holder must not delete a newer lock.
		_ = releaseScript.Run(context.Background(), l.client, []string{key}, owner).Err()
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
