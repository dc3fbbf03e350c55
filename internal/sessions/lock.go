package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL  = 5 * time.Second
	lockPollBackoff = 10 * time.Millisecond
)

// unlockScript deletes the lock only if it is still held by the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SetLockTTL overrides how long a session lock is held before Redis expires it.
func (r *Repository) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		r.lockTTL = ttl
	}
}

// Lock acquires the per-session mutex shared by every server instance. It
// blocks until the lock is acquired or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (r *Repository) Lock(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	key := lockKey(sessionID)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire session lock: %w", ctx.Err())
		case <-time.After(lockPollBackoff):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release on a fresh context so a cancelled request still unlocks.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// On failure the lock TTL reclaims it.
		_ = unlockScript.Run(ctx, r.client, []string{key}, token).Err()
	}, nil
}
