package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "sigcrawl:session:"

// RedisStore keeps cookie sets in Redis so several hosts can share one login.
type RedisStore struct {
	client redis.Cmdable
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.Cmdable, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		now:    time.Now,
		logger: logger.With().Str("component", "sessions").Logger(),
	}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func redisKey(name string) string {
	return redisKeyPrefix + name
}

// Save stores the cookie set, expiring it together with the auth cookies.
func (rs *RedisStore) Save(ctx context.Context, name string, cookies []*network.Cookie) error {
	now := rs.now()
	stored := newStoredCookies(cookies, now)

	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !stored.ExpiresAt.IsZero() {
		ttl = stored.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return rs.Clear(ctx, name)
		}
	}

	if err := rs.client.Set(ctx, redisKey(name), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", name, err)
	}
	return nil
}

func (rs *RedisStore) Load(ctx context.Context, name string) ([]*network.Cookie, error) {
	data, err := rs.client.Get(ctx, redisKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session %s: %w", name, err)
	}
	cookies, err := decodeStoredCookies(data, rs.now())
	if err != nil {
		return coldStart(rs.logger, name, err), nil
	}
	return cookies, nil
}

func (rs *RedisStore) Clear(ctx context.Context, name string) error {
	return rs.client.Del(ctx, redisKey(name)).Err()
}
