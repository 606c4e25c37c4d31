package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-anchor/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the lock only if it still holds our token, so an
// expired claim re-acquired by another process is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process that talks to the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

const (
	defaultLockTTL = 5 * time.Minute
	// lockTTLHeadroom covers the precondition, gas and store calls made
	// around the confirmation wait while a claim is held.
	lockTTLHeadroom = 30 * time.Second
)

// CheckLockTTL rejects a claim TTL that could expire while a holder is
// still waiting for a confirmation. Claims are never renewed.
func CheckLockTTL(ttl, confirmTimeout time.Duration) error {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if floor := confirmTimeout + lockTTLHeadroom; ttl < floor {
		return fmt.Errorf("redis.lock_ttl %s must be at least chain.confirm_timeout plus %s (%s)", ttl, lockTTLHeadroom, floor)
	}
	return nil
}

func NewRedisLocker(client redis.UniversalClient, cfg config.Redis, logger *zap.Logger) *RedisLocker {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: client,
		prefix: cfg.Prefix,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		logger: logger.Named("redis-locker"),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
		}
		if ok {
			return l.unlocker(lockKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlocker(lockKey, token string) func() {
	return sync.OnceFunc(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
			// The claim expires on its own after the TTL.
			l.logger.Warn("Failed to release lock", zap.String("key", lockKey), zap.Error(err))
		}
	})
}
