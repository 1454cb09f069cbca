// Package cache keeps short-lived scheduling state in Redis: per-task locks
// and the contributions guard stamps.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/taskhub/internal/app"
)

var ErrNoURL = errors.New("cache: redis url is required")

// Keyspace builds namespaced keys.
type Keyspace string

func (k Keyspace) key(parts ...string) string {
	prefix := string(k)
	if prefix == "" {
		prefix = "taskhub"
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// NewPool builds a redigo pool from the redis section and checks that a
// connection can be made.
func NewPool(ctx context.Context, config *app.Config) (*redis.Pool, error) {
	url := config.Redis.URL
	if url == "" {
		return nil, ErrNoURL
	}

	pool := &redis.Pool{
		MaxIdle:     config.Redis.MaxIdle,
		IdleTimeout: config.RedisIdleTimeout(),
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url,
				redis.DialConnectTimeout(3*time.Second),
				redis.DialReadTimeout(3*time.Second),
				redis.DialWriteTimeout(3*time.Second))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: connect: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return pool, nil
}

func do(ctx context.Context, pool *redis.Pool, command string, args ...any) (any, error) {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: get conn: %w", err)
	}
	defer conn.Close()
	return conn.Do(command, args...)
}
