package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tufd/internal/config"
	"tufd/internal/domain"

	"github.com/redis/go-redis/v9"
)

const taskIDField = "task_id"

// RedisQueue delivers task messages over a Redis stream with a consumer
// group: at-least-once delivery, no cross-role ordering guarantee. Messages
// carry only the task id; payloads live in the state store so redelivery
// never diverges from the durable record.
type RedisQueue struct {
	client      *redis.Client
	stream      string
	group       string
	consumer    string
	block       time.Duration
	reclaimIdle time.Duration
}

func NewRedisQueue(cfg config.Config, consumer string) (*RedisQueue, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	if consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisQueue{
		client:      client,
		stream:      cfg.QueueStream,
		group:       cfg.QueueGroup,
		consumer:    consumer,
		block:       cfg.QueueBlock(),
		reclaimIdle: cfg.ReclaimIdle(),
	}, nil
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return errors.New("task id is required")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{taskIDField: taskID},
	}).Err()
}

// Receive blocks for the next delivery. Stale pending entries abandoned by
// crashed consumers are reclaimed before new entries are read, which is what
// makes redelivery after lease expiry work.
func (q *RedisQueue) Receive(ctx context.Context) (*domain.TaskMessage, error) {
	if msg, err := q.reclaim(ctx); err != nil {
		return nil, err
	} else if msg != nil {
		return msg, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, stream := range streams {
		for _, message := range stream.Messages {
			return messageFrom(message)
		}
	}
	return nil, nil
}

func (q *RedisQueue) reclaim(ctx context.Context) (*domain.TaskMessage, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.reclaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messageFrom(messages[0])
}

func (q *RedisQueue) Acknowledge(ctx context.Context, deliveryID string) error {
	return q.client.XAck(ctx, q.stream, q.group, deliveryID).Err()
}

func messageFrom(message redis.XMessage) (*domain.TaskMessage, error) {
	raw, ok := message.Values[taskIDField]
	if !ok {
		return nil, fmt.Errorf("delivery %s missing %s", message.ID, taskIDField)
	}
	taskID, ok := raw.(string)
	if !ok || taskID == "" {
		return nil, fmt.Errorf("delivery %s has invalid %s", message.ID, taskIDField)
	}
	return &domain.TaskMessage{DeliveryID: message.ID, TaskID: taskID}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

var _ domain.TaskQueue = (*RedisQueue)(nil)
