package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Guard records which tasks were handed to which users, so that a task run
// is only accepted for a task the user actually requested, and when each
// task was first presented.
type Guard struct {
	pool  *redis.Pool
	keys  Keyspace
	clock func() time.Time
}

func NewGuard(pool *redis.Pool, keys Keyspace) *Guard {
	return &Guard{pool: pool, keys: keys, clock: time.Now}
}

func (g *Guard) requestedKey(taskID, userID int64) string {
	return g.keys.key("task_requested", "user", strconv.FormatInt(userID, 10), "task", strconv.FormatInt(taskID, 10))
}

func (g *Guard) presentedKey(taskID, userID int64) string {
	return g.keys.key("task_presented", "user", strconv.FormatInt(userID, 10), "task", strconv.FormatInt(taskID, 10))
}

func (g *Guard) Stamp(ctx context.Context, taskID, userID int64, ttl time.Duration) error {
	if _, err := do(ctx, g.pool, "SETEX", g.requestedKey(taskID, userID), seconds(ttl), "true"); err != nil {
		return fmt.Errorf("cache: stamp task %d: %w", taskID, err)
	}
	return nil
}

func (g *Guard) Check(ctx context.Context, taskID, userID int64) (bool, error) {
	ok, err := redis.Bool(do(ctx, g.pool, "EXISTS", g.requestedKey(taskID, userID)))
	if err != nil {
		return false, fmt.Errorf("cache: check stamp on task %d: %w", taskID, err)
	}
	return ok, nil
}

// StampPresentedTime records the first presentation time; an existing stamp
// is left alone.
func (g *Guard) StampPresentedTime(ctx context.Context, taskID, userID int64, ttl time.Duration) error {
	now := g.clock().UTC().Format(time.RFC3339Nano)
	if _, err := do(ctx, g.pool, "SET", g.presentedKey(taskID, userID), now, "EX", seconds(ttl), "NX"); err != nil {
		return fmt.Errorf("cache: stamp presented time of task %d: %w", taskID, err)
	}
	return nil
}

func (g *Guard) CheckPresentedTime(ctx context.Context, taskID, userID int64) (bool, error) {
	ok, err := redis.Bool(do(ctx, g.pool, "EXISTS", g.presentedKey(taskID, userID)))
	if err != nil {
		return false, fmt.Errorf("cache: check presented time of task %d: %w", taskID, err)
	}
	return ok, nil
}

// ExtendPresentedTime keeps the original presentation time alive for a user
// coming back to the same task.
func (g *Guard) ExtendPresentedTime(ctx context.Context, taskID, userID int64, ttl time.Duration) error {
	if _, err := do(ctx, g.pool, "EXPIRE", g.presentedKey(taskID, userID), seconds(ttl)); err != nil {
		return fmt.Errorf("cache: extend presented time of task %d: %w", taskID, err)
	}
	return nil
}

// PresentedTime returns the first presentation time, zero when not stamped.
func (g *Guard) PresentedTime(ctx context.Context, taskID, userID int64) (time.Time, error) {
	raw, err := redis.String(do(ctx, g.pool, "GET", g.presentedKey(taskID, userID)))
	if err == redis.ErrNil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: presented time of task %d: %w", taskID, err)
	}
	presented, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: parse presented time of task %d: %w", taskID, err)
	}
	return presented, nil
}

func (g *Guard) Unstamp(ctx context.Context, taskID, userID int64) error {
	if _, err := do(ctx, g.pool, "DEL", g.requestedKey(taskID, userID), g.presentedKey(taskID, userID)); err != nil {
		return fmt.Errorf("cache: unstamp task %d: %w", taskID, err)
	}
	return nil
}

func seconds(ttl time.Duration) int64 {
	return max(1, int64(ttl/time.Second))
}
