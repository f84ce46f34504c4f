package closer

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFacility stores closure tasks in a sorted set scored by fire time.
// Members are task handles; the session id rides inside the handle.
type RedisFacility struct {
	client *redis.Client
	key    string
}

// NewRedisFacility builds a facility over ZADD/ZRANGEBYSCORE/ZREM semantics.
func NewRedisFacility(client *redis.Client, key string) *RedisFacility {
	if key == "" {
		key = "sessions:closures"
	}
	return &RedisFacility{client: client, key: key}
}

// Register adds the task, scored by its fire time.
func (f *RedisFacility) Register(ctx context.Context, t Task) error {
	return f.client.ZAdd(ctx, f.key, redis.Z{
		Score:  float64(t.FireAt.Unix()),
		Member: t.Handle,
	}).Err()
}

// Cancel removes the task. Removing an already-fired or unknown handle is
// not an error.
func (f *RedisFacility) Cancel(ctx context.Context, handle string) error {
	return f.client.ZRem(ctx, f.key, handle).Err()
}

// Due returns every task whose fire time is at or before now. Tasks stay in
// the set until acked, so late or repeated polls re-deliver them.
func (f *RedisFacility) Due(ctx context.Context, now time.Time) ([]Task, error) {
	members, err := f.client.ZRangeByScoreWithScores(ctx, f.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(now),
	}).Result()
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, m := range members {
		handle, _ := m.Member.(string)
		sessionID, ok := SessionIDFromHandle(handle)
		if !ok {
			// Malformed member; drop it so it does not poll forever.
			_ = f.client.ZRem(ctx, f.key, handle).Err()
			continue
		}
		tasks = append(tasks, Task{
			Handle:    handle,
			SessionID: sessionID,
			FireAt:    time.Unix(int64(m.Score), 0),
		})
	}
	return tasks, nil
}

// Ack removes a fired task.
func (f *RedisFacility) Ack(ctx context.Context, handle string) error {
	return f.client.ZRem(ctx, f.key, handle).Err()
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
