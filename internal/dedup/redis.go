package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const redisKeyPrefix = "storyline:fingerprint:"

// releaseScript deletes the key only while it still names the caller, so an
// expired hold taken over by another attempt is left alone.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// redisClient is the subset of *redis.Client the guard uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisGuard is a FrontGuard backed by SET NX with a TTL.
type RedisGuard struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisGuard creates a RedisGuard. The TTL bounds how long a crashed
// attempt can shed callers.
func NewRedisGuard(client redisClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// NewRedisClient opens a client for addr and checks connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "redis: ping %s", addr)
	}
	return client, nil
}

func (g *RedisGuard) Acquire(ctx context.Context, fingerprint, owner string) (bool, error) {
	ok, err := g.client.SetNX(ctx, redisKeyPrefix+fingerprint, owner, g.ttl).Result()
	if err != nil {
		return false, eris.Wrap(err, "redis: setnx")
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, fingerprint, owner string) error {
	err := g.client.Eval(ctx, releaseScript, []string{redisKeyPrefix + fingerprint}, owner).Err()
	if err != nil && err != redis.Nil {
		return eris.Wrap(err, "redis: release")
	}
	return nil
}
