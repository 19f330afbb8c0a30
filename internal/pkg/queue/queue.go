package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"dupcheck/internal/pkg/models"
)

var (
	ErrFull     = errors.New("queue is full")
	ErrEmpty    = errors.New("queue is empty")
	ErrNotFound = errors.New("job not found")
)

// Holds pending check jobs and the results of finished ones.
// Remove never blocks; it reports ErrEmpty when nothing is waiting.
type JobQueue interface {
	Insert(ctx context.Context, job models.Job) error
	Remove(ctx context.Context) (models.Job, error)
	Length(ctx context.Context) (int, error)
	StoreResult(ctx context.Context, result models.JobResult) error
	Result(ctx context.Context, jobID string) (models.JobResult, error)
}

// In-memory first in, first out queue. Results are dropped once older than
// the result TTL.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	q         []models.Job
	results   map[string]storedResult
	resultTTL time.Duration
	now       func() time.Time
}

type storedResult struct {
	result  models.JobResult
	expires time.Time
}

// Creates an empty queue with a specified capacity
func CreateQueue(capacity int, resultTTL time.Duration) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity should be greater than 0")
	}
	return &Queue{
		capacity:  capacity,
		q:         make([]models.Job, 0, capacity),
		results:   make(map[string]storedResult),
		resultTTL: resultTTL,
		now:       time.Now,
	}, nil
}

// Inserts a job into the queue and records it as pending
func (q *Queue) Insert(_ context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) >= q.capacity {
		return ErrFull
	}
	q.q = append(q.q, job)
	q.storeLocked(models.JobResult{JobID: job.ID, Status: models.JobPending, Source: job.Source})
	return nil
}

// Removes the oldest job from the queue
func (q *Queue) Remove(_ context.Context) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return models.Job{}, ErrEmpty
	}
	job := q.q[0]
	q.q[0] = models.Job{}
	q.q = q.q[1:]
	return job, nil
}

// Returns the number of jobs waiting in the queue
func (q *Queue) Length(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q), nil
}

func (q *Queue) StoreResult(_ context.Context, result models.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.storeLocked(result)
	return nil
}

func (q *Queue) Result(_ context.Context, jobID string) (models.JobResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.results[jobID]
	if !ok || (q.resultTTL > 0 && q.now().After(stored.expires)) {
		return models.JobResult{}, ErrNotFound
	}
	return stored.result, nil
}

func (q *Queue) storeLocked(result models.JobResult) {
	now := q.now()
	if q.resultTTL > 0 {
		for id, stored := range q.results {
			if now.After(stored.expires) {
				delete(q.results, id)
			}
		}
	}
	q.results[result.JobID] = storedResult{result: result, expires: now.Add(q.resultTTL)}
}
