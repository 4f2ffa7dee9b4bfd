package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

const DedupHeader = "dedup-id"

// RedisDeduper remembers dedup ids for a window so a job enqueued twice in
// quick succession is only published once.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduper(client *redis.Client, window time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, window: window}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupKey(id), 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup id: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, dedupKey(id)).Err(); err != nil {
		return fmt.Errorf("release dedup id: %w", err)
	}
	return nil
}

func dedupKey(id string) string {
	return "jobs:dedup:" + id
}

type publisher interface {
	Publish(ctx context.Context, key string, event any, headers ...kafka.Header) error
}

type deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// JobQueue publishes jobs to the guaranteed-delivery topic.
type JobQueue struct {
	producer publisher
	dedup    deduper
	logger   *slog.Logger
}

func NewJobQueue(producer publisher, dedup deduper, logger *slog.Logger) *JobQueue {
	return &JobQueue{producer: producer, dedup: dedup, logger: logger}
}

// Enqueue publishes job. A job whose dedup id is still inside the window
// fails with domain.ErrDuplicateJob. Jobs without a dedup id always publish.
func (q *JobQueue) Enqueue(ctx context.Context, job domain.Job) error {
	if job.DedupID != "" {
		claimed, err := q.dedup.Claim(ctx, job.DedupID)
		if err != nil {
			return err
		}
		if !claimed {
			return domain.ErrDuplicateJob
		}
	}

	key := job.DedupID
	if key == "" {
		key = string(job.Type)
	}
	if err := q.producer.Publish(ctx, key, job, kafka.Header{Key: DedupHeader, Value: []byte(job.DedupID)}); err != nil {
		if job.DedupID != "" {
			if rerr := q.dedup.Release(context.WithoutCancel(ctx), job.DedupID); rerr != nil {
				// The claim now blocks retries of this job until the window passes.
				q.logger.Error("failed to release dedup claim", "job_type", job.Type, "dedup_id", job.DedupID, "error", rerr)
			}
		}
		return fmt.Errorf("publish %s job: %w", job.Type, err)
	}
	return nil
}

// DecodeJob reads a job envelope from a queue message.
func DecodeJob(msg kafka.Message) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, nil
}
