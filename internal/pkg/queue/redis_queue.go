package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dupcheck/internal/pkg/circuitbreaker"
	"dupcheck/internal/pkg/config"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/models"
)

// Redis-backed JobQueue shared by every replica. Jobs live in a list
// (LPUSH/RPOP), results in per-job keys that expire after the result TTL.
// Every call goes through a circuit breaker so an unreachable Redis fails
// fast.
type RedisQueue struct {
	client    *redis.Client
	breaker   *circuitbreaker.CircuitBreaker
	capacity  int
	jobsKey   string
	keyPrefix string
	resultTTL time.Duration
}

// Creates a new RedisQueue and checks the connection.
func NewRedisQueue(config *config.Config) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr(),
		Password: config.RedisPassword, // "" if no auth
		DB:       config.RedisDB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.Error("Failed to connect to Redis", zap.Error(err))
		_ = client.Close()
		return nil, err
	}

	logger.Log.Info("Connected to Redis successfully",
		zap.String("host", config.RedisHost),
		zap.String("port", config.RedisPort),
	)
	return NewRedisQueueWithClient(client, config.RedisKeyPrefix, config.QueueCapacity, config.ResultTTL), nil
}

// Creates a RedisQueue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, keyPrefix string, capacity int, resultTTL time.Duration) *RedisQueue {
	return &RedisQueue{
		client:    client,
		breaker:   circuitbreaker.NewCircuitBreaker("redis", 5, 30*time.Second),
		capacity:  capacity,
		jobsKey:   keyPrefix + ":jobs",
		keyPrefix: keyPrefix,
		resultTTL: resultTTL,
	}
}

func (rq *RedisQueue) resultKey(jobID string) string {
	return rq.keyPrefix + ":result:" + jobID
}

// Pushes the job and records it as pending. The capacity check and the push
// are separate commands, so concurrent producers may overshoot it slightly.
func (rq *RedisQueue) Insert(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pending, err := json.Marshal(models.JobResult{JobID: job.ID, Status: models.JobPending, Source: job.Source})
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}

	full := false
	err = rq.breaker.Execute(func() error {
		length, err := rq.client.LLen(ctx, rq.jobsKey).Result()
		if err != nil {
			return err
		}
		if int(length) >= rq.capacity {
			full = true
			return nil
		}
		_, err = rq.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rq.resultKey(job.ID), pending, rq.resultTTL)
			pipe.LPush(ctx, rq.jobsKey, payload)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	if full {
		return ErrFull
	}
	return nil
}

// Pops the oldest job, or returns ErrEmpty.
func (rq *RedisQueue) Remove(ctx context.Context) (models.Job, error) {
	var payload string
	empty := false
	err := rq.breaker.Execute(func() error {
		var err error
		payload, err = rq.client.RPop(ctx, rq.jobsKey).Result()
		if errors.Is(err, redis.Nil) {
			empty = true
			return nil
		}
		return err
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("redis dequeue: %w", err)
	}
	if empty {
		return models.Job{}, ErrEmpty
	}

	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return models.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func (rq *RedisQueue) Length(ctx context.Context) (int, error) {
	var length int64
	err := rq.breaker.Execute(func() error {
		var err error
		length, err = rq.client.LLen(ctx, rq.jobsKey).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis queue length: %w", err)
	}
	return int(length), nil
}

func (rq *RedisQueue) StoreResult(ctx context.Context, result models.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	if err := rq.breaker.Execute(func() error {
		return rq.client.Set(ctx, rq.resultKey(result.JobID), payload, rq.resultTTL).Err()
	}); err != nil {
		return fmt.Errorf("redis store result: %w", err)
	}
	return nil
}

func (rq *RedisQueue) Result(ctx context.Context, jobID string) (models.JobResult, error) {
	var payload string
	missing := false
	err := rq.breaker.Execute(func() error {
		var err error
		payload, err = rq.client.Get(ctx, rq.resultKey(jobID)).Result()
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return models.JobResult{}, fmt.Errorf("redis get result: %w", err)
	}
	if missing {
		return models.JobResult{}, ErrNotFound
	}

	var result models.JobResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return models.JobResult{}, fmt.Errorf("failed to unmarshal job result: %w", err)
	}
	return result, nil
}

// Closes the Redis client.
func (rq *RedisQueue) Close() error {
	return rq.client.Close()
}
