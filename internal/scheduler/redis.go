package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultQueueKey = "craftnest:scheduler:tasks"

var (
	ErrRedisNotReady      = errors.New("redis is not ready")
	ErrInvalidRedisURL    = errors.New("failed to parse redis connection url")
	defaultConnectTimeout = 10 * time.Second
)

// Connect parses url and pings until the server answers or attempts run out.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}
	if attempts <= 0 {
		attempts = 1
	}
	for range attempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, ErrRedisNotReady
}

// Redis keeps deferred tasks in a sorted set scored by due time in unix milliseconds.
// Any replica may poll; ZREM decides which one owns a task.
type Redis struct {
	client *redis.Client
	key    string
	now    func() time.Time
	log    *slog.Logger
}

type RedisOptions struct {
	Key    string
	Now    func() time.Time
	Logger *slog.Logger
}

func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Key == "" {
		opts.Key = DefaultQueueKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{client: client, key: opts.Key, now: opts.Now, log: opts.Logger}
}

func (r *Redis) Schedule(ctx context.Context, task Task, delay time.Duration) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}
	due := r.now().Add(delay).UnixMilli()
	if err := r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(due), Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Poll claims and handles up to limit due tasks. It returns how many this caller handled.
func (r *Redis) Poll(ctx context.Context, h Handler, limit int64) (int, error) {
	due := strconv.FormatInt(r.now().UnixMilli(), 10)
	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{Min: "-inf", Max: due, Count: limit}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}

	handled := 0
	for _, raw := range members {
		removed, err := r.client.ZRem(ctx, r.key, raw).Result()
		if err != nil {
			return handled, fmt.Errorf("claim task: %w", err)
		}
		if removed == 0 {
			continue
		}
		task, err := decodeTask(raw)
		if err != nil {
			r.log.Error("event=scheduler_task_dropped", "err", err)
			recordTask("redis", "unknown", "invalid")
			continue
		}
		handled++
		if err := h(ctx, task); err != nil {
			r.log.Error("event=scheduler_task_failed", "kind", task.Kind, "server_id", task.ServerID, "err", err)
			recordTask("redis", task.Kind, "error")
			continue
		}
		recordTask("redis", task.Kind, "ok")
	}
	return handled, nil
}

func (r *Redis) Pending(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, r.key).Result()
}
