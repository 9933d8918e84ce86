// Package queue delivers queued task identifiers to external generation
// workers. Delivery is at-least-once with no ordering guarantee across tasks.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrDeliveryFailed wraps a broker error; the enqueued task stays pending
	// in storage and must be re-published by the reconciliation sweep.
	ErrDeliveryFailed = errors.New("queue: task delivery failed")

	errMissingClient  = errors.New("queue: redis client is required")
	errMissingChannel = errors.New("queue: channel name is required")
	errMissingTaskID  = errors.New("queue: task id is required")
)

// Publisher hands a task identifier to the delivery transport.
type Publisher interface {
	PublishTask(ctx context.Context, taskID string) error
}

// RedisQueue pushes task ids onto a redis list consumed by workers.
type RedisQueue struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// RedisQueueConfig describes the dependencies for a RedisQueue.
type RedisQueueConfig struct {
	Client  *redis.Client
	Channel string
	Logger  *zap.Logger
}

// NewRedisQueue constructs the queue and validates its configuration.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errMissingChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: cfg.Client, channel: cfg.Channel, logger: logger}, nil
}

// PublishTask appends the task id to the delivery list.
func (q *RedisQueue) PublishTask(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errMissingTaskID
	}
	if err := q.client.RPush(ctx, q.channel, taskID).Err(); err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	q.logger.Debug("task published", zap.String("task_id", taskID), zap.String("channel", q.channel))
	return nil
}

// Dial opens a redis client for the provided address and verifies connectivity.
func Dial(address string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
