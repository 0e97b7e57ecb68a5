package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const retryInterval = 50 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld is reported when the TTL lapsed before release.
var ErrLockNotHeld = errors.New("lock not held")

// Redis is a SET NX PX lock. The TTL bounds how long a crashed holder can
// block others; it must exceed the longest remote call.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}

		t := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must not depend on the caller's context, which may be done.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			n, err := releaseScript.Run(relCtx, r.client, []string{key}, token).Int()
			if err != nil {
				zap.L().Warn("failed to release redis lock", zap.String("key", key), zap.Error(err))
				return
			}
			if n == 0 {
				zap.L().Warn("redis lock expired before release", zap.String("key", key), zap.Error(ErrLockNotHeld))
			}
		})
	}, nil
}
