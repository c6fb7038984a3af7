package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/udeposit/internal/core/domain"
)

// Queue implements the durable per-stage work queues on Redis lists.
//
// Each stage has a main list and a companion processing list. PopToProcessing
// moves the oldest item between the two atomically (Lua), so an item is never
// in neither list: a worker crash mid-processing leaves it in the processing
// list where the recovery sweep finds it.
type Queue struct {
	rdb *redis.Client

	mu    sync.Mutex
	wakes map[domain.Stage]chan struct{}
	subs  []*redis.PubSub
}

// NewQueue creates the work queue on an existing client.
func NewQueue(client *Client) *Queue {
	return &Queue{
		rdb:   client.rdb,
		wakes: make(map[domain.Stage]chan struct{}),
	}
}

// Key helpers
func queueKey(stage domain.Stage) string {
	return fmt.Sprintf("queue:%s", stage)
}

func processingKey(stage domain.Stage) string {
	return fmt.Sprintf("queue:%s:processing", stage)
}

func wakeChannel(stage domain.Stage) string {
	return fmt.Sprintf("queue:%s:wake", stage)
}

// popToProcessing atomically moves the head of the main list to the tail of
// the processing list, stamping processingStarted. Returns the moved item or
// false when the main list is empty.
var popToProcessingScript = redis.NewScript(`
	local item = redis.call('LPOP', KEYS[1])
	if not item then
		return false
	end
	local decoded = cjson.decode(item)
	decoded['processingStarted'] = ARGV[1]
	local updated = cjson.encode(decoded)
	redis.call('RPUSH', KEYS[2], updated)
	return updated
`)

// Push appends an item to the stage's main queue and publishes a wake-up so
// idle workers pick it up without waiting for their next tick.
func (q *Queue) Push(ctx context.Context, stage domain.Stage, item *domain.QueueItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	item.ProcessingStarted = nil

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	if err := q.rdb.RPush(ctx, queueKey(stage), data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s queue: %w", stage, err)
	}

	// Best-effort wake-up; queue polling is the fallback.
	if err := q.rdb.Publish(ctx, wakeChannel(stage), item.OrderID).Err(); err != nil {
		return fmt.Errorf("failed to publish wake-up for %s: %w", stage, err)
	}
	return nil
}

// PopToProcessing moves the oldest item to the processing list and returns
// it. Returns nil when the queue is empty.
func (q *Queue) PopToProcessing(ctx context.Context, stage domain.Stage) (*domain.QueueItem, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := popToProcessingScript.Run(ctx, q.rdb,
		[]string{queueKey(stage), processingKey(stage)}, now).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s queue: %w", stage, err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected pop result type %T", res)
	}

	var item domain.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}
	return &item, nil
}

// CompleteProcessing removes the entry for orderID from the stage's
// processing list. Membership is by order ID, not position.
func (q *Queue) CompleteProcessing(ctx context.Context, stage domain.Stage, orderID string) error {
	entries, err := q.rdb.LRange(ctx, processingKey(stage), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s processing list: %w", stage, err)
	}

	for _, raw := range entries {
		var item domain.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		if item.OrderID != orderID {
			continue
		}
		if err := q.rdb.LRem(ctx, processingKey(stage), 1, raw).Err(); err != nil {
			return fmt.Errorf("failed to remove %s from processing: %w", orderID, err)
		}
		return nil
	}
	return nil
}

// RecoverHanging scans every processing list and moves items older than
// timeout back to their main queue tail with retryCount incremented.
// Returns the number of recovered items.
func (q *Queue) RecoverHanging(ctx context.Context, timeout time.Duration) (int, error) {
	recovered := 0
	cutoff := time.Now().UTC().Add(-timeout)

	for _, stage := range domain.Stages {
		entries, err := q.rdb.LRange(ctx, processingKey(stage), 0, -1).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to read %s processing list: %w", stage, err)
		}

		for _, raw := range entries {
			var item domain.QueueItem
			if err := json.Unmarshal([]byte(raw), &item); err != nil {
				continue
			}
			if item.ProcessingStarted == nil || item.ProcessingStarted.After(cutoff) {
				continue
			}

			if err := q.rdb.LRem(ctx, processingKey(stage), 1, raw).Err(); err != nil {
				return recovered, fmt.Errorf("failed to remove hanging item %s: %w", item.OrderID, err)
			}

			item.RetryCount++
			item.ProcessingStarted = nil
			if err := q.Push(ctx, stage, &item); err != nil {
				return recovered, fmt.Errorf("failed to requeue hanging item %s: %w", item.OrderID, err)
			}
			recovered++
		}
	}
	return recovered, nil
}

// Length returns the main queue depth for a stage.
func (q *Queue) Length(ctx context.Context, stage domain.Stage) (int64, error) {
	return q.rdb.LLen(ctx, queueKey(stage)).Result()
}

// Wake returns a channel that receives a signal whenever an item is pushed
// to the stage. The subscription is created on first use and closed by Close.
func (q *Queue) Wake(stage domain.Stage) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ch, ok := q.wakes[stage]; ok {
		return ch
	}

	ch := make(chan struct{}, 1)
	q.wakes[stage] = ch

	sub := q.rdb.Subscribe(context.Background(), wakeChannel(stage))
	q.subs = append(q.subs, sub)

	go func() {
		for range sub.Channel() {
			select {
			case ch <- struct{}{}:
			default: // a wake-up is already pending
			}
		}
	}()

	return ch
}

// Close shuts down the wake subscriptions.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subs {
		_ = sub.Close()
	}
	q.subs = nil
	return nil
}
