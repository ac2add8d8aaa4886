// Package redis provides a thin wrapper around go-redis/v9 with connection
// pooling and the hash and set operations used by the record store. Every
// write helper applies a TTL in the same round trip.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// WriteHash sets every field of the hash at key and (re)applies ttl. The two
// commands are pipelined, not transactional.
func (c *Client) WriteHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing hash %s: %w", key, err)
	}
	return nil
}

// SetHashField updates a subset of hash fields without touching the TTL.
// It fails with redis.Nil semantics (IsNilError) when the key is gone.
func (c *Client) SetHashField(ctx context.Context, key string, fields map[string]any) error {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("checking %s: %w", key, err)
	}
	if n == 0 {
		return redis.Nil
	}
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("updating hash %s: %w", key, err)
	}
	return nil
}

// ReadHash returns all fields of the hash at key. A missing key yields
// redis.Nil.
func (c *Client) ReadHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	return fields, nil
}

// AddToSet adds members to the set at key and refreshes its TTL.
func (c *Client) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, args...)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding to set %s: %w", key, err)
	}
	return nil
}

// Members returns every member of the set at key.
func (c *Client) Members(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// IsMember reports whether member is in the set at key.
func (c *Client) IsMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// PopMembers removes and returns up to n random members of the set at key.
func (c *Client) PopMembers(ctx context.Context, key string, n int64) ([]string, error) {
	members, err := c.rdb.SPopN(ctx, key, n).Result()
	if IsNilError(err) {
		return nil, nil
	}
	return members, err
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTL returns the remaining time to live of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
