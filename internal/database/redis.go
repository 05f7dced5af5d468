package database

import (
	"context"
	"fmt"
	"time"

	"github.com/alexnthnz/delivery-engine/internal/config"
	"github.com/redis/go-redis/v9"
)

const suppressedTokenPrefix = "push:token:suppressed:"

// RedisClient wraps redis.Client for the push token suppression list
type RedisClient struct {
	*redis.Client
	suppressionTTL time.Duration
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisTokenStore(rdb, cfg.SuppressionTTL), nil
}

// NewRedisTokenStore wraps an existing client
func NewRedisTokenStore(rdb *redis.Client, ttl time.Duration) *RedisClient {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisClient{Client: rdb, suppressionTTL: ttl}
}

// SuppressToken marks a device token as permanently invalid
func (r *RedisClient) SuppressToken(ctx context.Context, token, reason string) error {
	return r.Set(ctx, suppressedTokenPrefix+token, reason, r.suppressionTTL).Err()
}

// SuppressedTokens filters tokens down to those present in the suppression list
func (r *RedisClient) SuppressedTokens(ctx context.Context, tokens []string) (map[string]bool, error) {
	if len(tokens) == 0 {
		return map[string]bool{}, nil
	}
	pipe := r.Pipeline()
	cmds := make([]*redis.IntCmd, len(tokens))
	for i, t := range tokens {
		cmds[i] = pipe.Exists(ctx, suppressedTokenPrefix+t)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]bool)
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			out[tokens[i]] = true
		}
	}
	return out, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}
