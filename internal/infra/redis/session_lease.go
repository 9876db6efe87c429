package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only for its owner.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SessionLease marks one live proctoring session per key across instances.
// Key: proctor:lease:{key}
type SessionLease struct {
	client *redis.Client
}

func NewSessionLease(client *redis.Client) *SessionLease {
	return &SessionLease{client: client}
}

func (l *SessionLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(key), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{leaseKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

func (l *SessionLease) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{leaseKey(key)}, owner).Err()
}

func leaseKey(key string) string {
	return "proctor:lease:" + key
}
