// Package searchqueue is the contracts.SearchIndex adapter: it enqueues
// indexing jobs onto Redis rather than computing indexes inline, using a
// job-queue shape (RPush onto a prefixed list key, JSON-encoded payload)
// applied to the index-rebuild and remove-from-index operations a saga
// step fires fire-and-forget.
package searchqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the production contracts.SearchIndex implementation.
type Queue struct {
	client *redis.Client
	prefix string
}

// Config configures the Redis-backed search queue.
type Config struct {
	RedisURL  string
	KeyPrefix string // defaults to "search:"
}

// job is the payload pushed onto the Redis list for the indexer worker.
type job struct {
	Op         string    `json:"op"`
	RecordID   string    `json:"recordId,omitempty"`
	RecordType string    `json:"recordType"`
	Rebuild    bool      `json:"rebuild,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// New connects to Redis and returns a Queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "search:"
	}
	return &Queue{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (q *Queue) Close() error { return q.client.Close() }

// GenerateIndexes enqueues an index-generation job for each record type.
func (q *Queue) GenerateIndexes(ctx context.Context, types []string, rebuild bool) error {
	for _, t := range types {
		j := job{Op: "generate", RecordType: t, Rebuild: rebuild, EnqueuedAt: time.Now()}
		if err := q.push(ctx, j); err != nil {
			return fmt.Errorf("enqueue index generation for %s: %w", t, err)
		}
	}
	return nil
}

// RemoveRecordFromIndex enqueues a removal job for id.
func (q *Queue) RemoveRecordFromIndex(ctx context.Context, id, recordType string) error {
	j := job{Op: "remove", RecordID: id, RecordType: recordType, EnqueuedAt: time.Now()}
	if err := q.push(ctx, j); err != nil {
		return fmt.Errorf("enqueue index removal for %s: %w", id, err)
	}
	return nil
}

func (q *Queue) push(ctx context.Context, j job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.RPush(ctx, q.prefix+"jobs", payload).Err()
}
