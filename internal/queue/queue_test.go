package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testChannel = "generation-tasks"

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { client.Close() })
	taskQueue, err := NewRedisQueue(RedisQueueConfig{Client: client, Channel: testChannel})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return taskQueue, redisServer
}

func TestPublishTaskAppendsToChannel(t *testing.T) {
	taskQueue, redisServer := newTestQueue(t)
	ctx := context.Background()

	if err := taskQueue.PublishTask(ctx, "task-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := taskQueue.PublishTask(ctx, "task-2"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	delivered, err := redisServer.List(testChannel)
	if err != nil {
		t.Fatalf("failed to read delivery list: %v", err)
	}
	if len(delivered) != 2 || delivered[0] != "task-1" || delivered[1] != "task-2" {
		t.Fatalf("expected [task-1 task-2], got %v", delivered)
	}
}

func TestPublishTaskRejectsBlankID(t *testing.T) {
	taskQueue, redisServer := newTestQueue(t)

	if err := taskQueue.PublishTask(context.Background(), "  "); err == nil {
		t.Fatalf("expected an error for a blank task id")
	}
	if redisServer.Exists(testChannel) {
		t.Fatalf("expected no delivery for a blank task id")
	}
}

func TestPublishTaskWrapsBrokerFailure(t *testing.T) {
	taskQueue, redisServer := newTestQueue(t)
	redisServer.SetError("broker unavailable")

	err := taskQueue.PublishTask(context.Background(), "task-1")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestNewRedisQueueValidatesConfig(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	if _, err := NewRedisQueue(RedisQueueConfig{Channel: testChannel}); err == nil {
		t.Fatalf("expected an error without a client")
	}
	if _, err := NewRedisQueue(RedisQueueConfig{Client: client, Channel: "  "}); err == nil {
		t.Fatalf("expected an error without a channel")
	}
}
