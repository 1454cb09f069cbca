package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Each task has a hash of user id to lock expiry (unix seconds). Expired
// entries are pruned while acquiring, and a user holding a lock may renew it.
var acquireScript = redis.NewScript(1, `
local now = tonumber(ARGV[2])
local locks = redis.call('HGETALL', KEYS[1])
local held = 0
for i = 1, #locks, 2 do
	if tonumber(locks[i + 1]) <= now then
		redis.call('HDEL', KEYS[1], locks[i])
	elseif locks[i] ~= ARGV[1] then
		held = held + 1
	end
end
if held >= tonumber(ARGV[4]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

type Locks struct {
	pool  *redis.Pool
	keys  Keyspace
	clock func() time.Time
}

func NewLocks(pool *redis.Pool, keys Keyspace) *Locks {
	return &Locks{pool: pool, keys: keys, clock: time.Now}
}

func (l *Locks) taskKey(taskID int64) string {
	return l.keys.key("lock", "task", strconv.FormatInt(taskID, 10))
}

// Acquire locks the task for the user for ttl unless limit other users hold an
// unexpired lock on it.
func (l *Locks) Acquire(ctx context.Context, taskID, userID int64, limit int, ttl time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("cache: get conn: %w", err)
	}
	defer conn.Close()

	now := l.clock()
	expiry := now.Add(ttl)
	seconds := int64(ttl.Seconds()) + 1
	ok, err := redis.Bool(acquireScript.Do(conn, l.taskKey(taskID),
		userID, formatUnix(now), formatUnix(expiry), limit, seconds))
	if err != nil {
		return false, fmt.Errorf("cache: acquire lock on task %d: %w", taskID, err)
	}
	return ok, nil
}

func (l *Locks) HasLock(ctx context.Context, taskID, userID int64) (bool, error) {
	expiry, err := redis.Float64(do(ctx, l.pool, "HGET", l.taskKey(taskID), userID))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: has lock on task %d: %w", taskID, err)
	}
	return expiry > unix(l.clock()), nil
}

func (l *Locks) Release(ctx context.Context, taskID, userID int64) error {
	if _, err := do(ctx, l.pool, "HDEL", l.taskKey(taskID), userID); err != nil {
		return fmt.Errorf("cache: release lock on task %d: %w", taskID, err)
	}
	return nil
}

// Held returns the unexpired locks on a task keyed by user id.
func (l *Locks) Held(ctx context.Context, taskID int64) (map[string]time.Time, error) {
	values, err := redis.StringMap(do(ctx, l.pool, "HGETALL", l.taskKey(taskID)))
	if err != nil {
		return nil, fmt.Errorf("cache: locks on task %d: %w", taskID, err)
	}

	now := unix(l.clock())
	out := make(map[string]time.Time, len(values))
	for user, raw := range values {
		expiry, err := strconv.ParseFloat(raw, 64)
		if err != nil || expiry <= now {
			continue
		}
		out[user] = fromUnix(expiry)
	}
	return out, nil
}

// TTL is how long the user's lock on the task has left; zero when none.
func (l *Locks) TTL(ctx context.Context, taskID, userID int64) (time.Duration, error) {
	held, err := l.Held(ctx, taskID)
	if err != nil {
		return 0, err
	}
	expiry, ok := held[strconv.FormatInt(userID, 10)]
	if !ok {
		return 0, nil
	}
	return expiry.Sub(l.clock()), nil
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(unix(t), 'f', 6, 64)
}

func fromUnix(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}
