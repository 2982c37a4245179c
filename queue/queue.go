// Package queue implements the Redis-backed job queue a verification
// worker pool consumes from, plus the greylist retry scheduler.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// EmailJob is the JSON envelope pushed onto the main queue.
type EmailJob struct {
	JobID string `json:"jobId"`
	Email string `json:"email"`
}

// Config names the queue keys and the retry delay.
type Config struct {
	MainQueueKey  string
	RetryQueueKey string
	RetryDelay    time.Duration
	PollInterval  time.Duration // how often RetryMonitor checks the ZSET
}

// DefaultConfig returns the queue's standard keys and timings.
func DefaultConfig() Config {
	return Config{
		MainQueueKey:  "email_queue",
		RetryQueueKey: "email_retry_queue",
		RetryDelay:    15 * time.Minute,
		PollInterval:  30 * time.Second,
	}
}

// Queue wraps a Redis client with the main-queue and retry-queue
// operations a verification worker pool needs.
type Queue struct {
	cfg    Config
	client *redis.Client
}

// New wraps an already-configured *redis.Client. Connectivity should be
// checked by the caller with a Ping before jobs start flowing.
func New(client *redis.Client, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

// Pop blocks up to timeout for the next job on the main queue. A nil job
// with a nil error means the timeout elapsed with nothing queued.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*EmailJob, error) {
	result, err := q.client.BRPop(ctx, timeout, q.cfg.MainQueueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, "BRPOP main queue")
	}
	if len(result) < 2 {
		return nil, errors.Errorf("malformed BRPOP result: %v", result)
	}
	var job EmailJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, errors.Wrap(err, "unmarshal job")
	}
	return &job, nil
}

// ScheduleRetry adds job to the greylist retry ZSET, scored by the unix
// timestamp at which it should be re-delivered.
func (q *Queue) ScheduleRetry(ctx context.Context, job EmailJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal retry job")
	}
	retryAt := time.Now().Add(q.cfg.RetryDelay).Unix()
	err = q.client.ZAdd(ctx, q.cfg.RetryQueueKey, redis.Z{
		Score:  float64(retryAt),
		Member: string(payload),
	}).Err()
	return errors.Wrap(err, "ZADD retry queue")
}

// RunRetryMonitor polls the retry ZSET every PollInterval and moves any
// job whose score has elapsed back onto the main queue. It blocks until
// ctx is cancelled, intended to run in its own goroutine.
func (q *Queue) RunRetryMonitor(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drainDueRetries(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) drainDueRetries(ctx context.Context) {
	now := time.Now().Unix()
	items, err := q.client.ZRangeByScore(ctx, q.cfg.RetryQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		log.Printf("retry monitor: read retry queue: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}
	log.Printf("retry monitor: %d job(s) ready for retry", len(items))

	for _, item := range items {
		var job EmailJob
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			log.Printf("retry monitor: drop malformed retry entry: %v", err)
			q.client.ZRem(ctx, q.cfg.RetryQueueKey, item)
			continue
		}

		removed, err := q.client.ZRem(ctx, q.cfg.RetryQueueKey, item).Result()
		if err != nil || removed == 0 {
			// Another monitor instance already claimed it.
			continue
		}

		payload, _ := json.Marshal(job)
		if err := q.client.LPush(ctx, q.cfg.MainQueueKey, string(payload)).Err(); err != nil {
			log.Printf("retry monitor: re-queue %s failed, re-scheduling: %v", job.Email, err)
			q.client.ZAdd(ctx, q.cfg.RetryQueueKey, redis.Z{
				Score:  float64(now) + q.cfg.RetryDelay.Seconds(),
				Member: item,
			})
			continue
		}
		log.Printf("retry monitor: requeued %s (job %s)", job.Email, job.JobID)
	}
}
