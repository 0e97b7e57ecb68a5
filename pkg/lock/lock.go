package lock

import (
	"context"
	"fmt"
	"time"

	"rewards-core/pkg/config"
	"rewards-core/pkg/redis"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Locker grants exclusive access to a key. The returned func releases the
// lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

var Module = fx.Module("lock", fx.Provide(New))

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
}

// New picks the lock backend from SYNC.LOCK_BACKEND. "redis" is for several
// processes sharing one local store; anything else gets the in-process lock.
// The redis client is only dialled when that backend is selected.
func New(p Params) (Locker, error) {
	switch p.Config.Sync.LockBackend {
	case "redis":
		ttl := redisTTL(p.Config)
		zap.L().Info("using redis entity lock", zap.Duration("ttl", ttl))
		return NewRedis(redis.New(p.Lifecycle, p.Config), ttl), nil
	case "", "memory":
		return NewKeyed(), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", p.Config.Sync.LockBackend)
	}
}

// redisTTL keeps the lock alive for a whole push, which may make a read, a
// note backfill and a write, each bounded by the remote timeout.
func redisTTL(cfg *config.Config) time.Duration {
	ttl := cfg.Sync.LockTTL
	floor := 4 * cfg.Sync.RemoteTimeout
	if ttl < floor {
		zap.L().Warn("lock ttl shorter than a push, raising it",
			zap.Duration("configured", ttl), zap.Duration("ttl", floor))
		ttl = floor
	}
	return ttl
}
