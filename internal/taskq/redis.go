package taskq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const promoteBatch = 200

// Redis keeps ready tasks in a list and delayed tasks in a sorted set scored
// by their due time in unix seconds.
type Redis struct {
	rdb     *redis.Client
	ready   string
	delayed string
	now     func() time.Time
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedis creates a Redis runtime whose keys start with prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{
		rdb:     rdb,
		ready:   prefix + ":ready",
		delayed: prefix + ":delayed",
		now:     time.Now,
	}
}

// Enqueue implements Runtime.
func (q *Redis) Enqueue(ctx context.Context, jobID int64) error {
	return q.EnqueueAt(ctx, jobID, time.Time{})
}

// EnqueueAt implements Runtime. Times not in the future are enqueued as ready.
func (q *Redis) EnqueueAt(ctx context.Context, jobID int64, when time.Time) error {
	now := q.now()
	payload, err := newTask(jobID, now).encode()
	if err != nil {
		return err
	}
	if when.After(now) {
		if err := q.rdb.ZAdd(ctx, q.delayed, redis.Z{Score: float64(when.Unix()), Member: payload}).Err(); err != nil {
			return fmt.Errorf("schedule job %d: %w", jobID, err)
		}
		return nil
	}
	if err := q.rdb.LPush(ctx, q.ready, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *Redis) Dequeue(ctx context.Context, block time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, block, q.ready).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop task: %w", err)
	}
	if len(res) != 2 {
		return nil, nil
	}
	t, err := decodeTask(res[1])
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Promote implements Queue.
func (q *Redis) Promote(ctx context.Context, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read due tasks: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, payload := range due {
		pipe.LPush(ctx, q.ready, payload)
		pipe.ZRem(ctx, q.delayed, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote due tasks: %w", err)
	}
	return len(due), nil
}
