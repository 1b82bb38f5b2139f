package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey      = "convey:deliveries"
	scheduledKey  = "convey:deliveries:scheduled"
	processingKey = "convey:deliveries:processing"
)

// ErrNoMessage is returned by Consume when no message arrived within the
// polling window.
var ErrNoMessage = errors.New("no message available")

// Message is one dequeued delivery job. It stays on the processing list
// until acked, so a crashed worker's messages can be requeued.
type Message struct {
	TaskID string
}

// Queue is the durable channel between ingestion and the delivery workers:
// a Redis list for immediate delivery and a sorted set for delayed delivery,
// with at-least-once semantics via a processing list.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Publish enqueues a task id for immediate delivery.
func (q *Queue) Publish(ctx context.Context, taskID string) error {
	return q.rdb.LPush(ctx, queueKey, taskID).Err()
}

// PublishDelayed withholds the task id from consumers for at least delay.
// The score is the due time; PromoteDue moves ripe members onto the queue.
func (q *Queue) PublishDelayed(ctx context.Context, taskID string, delay time.Duration) error {
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: due, Member: taskID}).Err()
}

// Consume blocks for up to the poll interval waiting for a message, moving
// it onto the processing list. Callers loop on ErrNoMessage.
func (q *Queue) Consume(ctx context.Context) (Message, error) {
	taskID, err := q.rdb.BLMove(ctx, queueKey, processingKey, "RIGHT", "LEFT", time.Second).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Message{}, ErrNoMessage
		}
		return Message{}, err
	}
	return Message{TaskID: taskID}, nil
}

// Ack removes a consumed message from the processing list. Called only after
// the outcome transaction commits.
func (q *Queue) Ack(ctx context.Context, msg Message) error {
	return q.rdb.LRem(ctx, processingKey, 1, msg.TaskID).Err()
}

// PromoteDue moves scheduled members whose due time has passed onto the
// delivery queue. The ZRem acts as the claim: of concurrent promoters, only
// the one that removed the member pushes it.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, scheduledKey, member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue // claimed by another promoter
		}
		if err := q.rdb.LPush(ctx, queueKey, member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RequeueStalled drains the processing list back onto the delivery queue.
// Startup only, before the workers begin consuming: draining while workers
// hold in-flight messages would duplicate live work and let a duplicate
// re-claim a freshly retrying task ahead of its backoff. Runtime rescue of
// dead workers goes through the age-gated stalled-task scan instead.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	requeued := 0
	for {
		taskID, err := q.rdb.RPopLPush(ctx, processingKey, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return requeued, nil
			}
			return requeued, err
		}
		slog.Debug("Requeued stalled delivery", "task_id", taskID)
		requeued++
	}
}

// StartScheduler runs the delayed-message promoter until ctx is cancelled.
func (q *Queue) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Failed to promote scheduled deliveries", "error", err)
			}
		}
	}
}
