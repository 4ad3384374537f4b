package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

var errHeld = errors.New("lock held")

// Redis is a Locker shared by every broker replica. A lock expires after
// TTL so a crashed holder cannot wedge a request.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

func NewRedis(client redis.Cmdable, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: "jit:lock",
		ttl:    30 * time.Second,
		poll:   50 * time.Millisecond,
		logger: logger.With().Str("component", "redis-lock").Logger(),
	}
}

// NewRedisFromURL parses a redis:// URL and returns a Redis locker.
func NewRedisFromURL(url string, logger zerolog.Logger) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedis(client, logger), client, nil
}

func (l *Redis) key(k string) string {
	return l.prefix + ":" + k
}

func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.key(key)
	token := newToken()

	err := retry.Do(ctx, retry.NewConstant(l.poll), func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errHeld)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return func() {
		// Release with a fresh context so a cancelled caller still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := l.client.Eval(rctx, releaseScript, []string{fullKey}, token).Int64()
		if err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
			return
		}
		if n == 0 {
			l.logger.Warn().Str("key", key).Msg("lock expired before release")
		}
	}, nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
