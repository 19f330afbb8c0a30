package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dupcheck/internal/pkg/deduplicator"
	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/metrics"
	"dupcheck/internal/pkg/models"
	"dupcheck/internal/pkg/queue"
)

const defaultPollInterval = 200 * time.Millisecond

// Manages a pool of workers that run queued duplicate checks in parallel
type WorkerPool struct {
	numWorkers   int
	width        int
	queue        queue.JobQueue
	deduper      deduper.Deduper
	pollInterval time.Duration
	now          func() time.Time
	wg           sync.WaitGroup
}

// Creates a new worker pool with the specified number of workers. width is
// the fingerprint width jobs are parsed with.
func NewWorkerPool(numWorkers, width int, jobs queue.JobQueue, d deduper.Deduper) *WorkerPool {
	return &WorkerPool{
		numWorkers:   max(numWorkers, 1),
		width:        width,
		queue:        jobs,
		deduper:      d,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Launches the worker goroutines
func (wp *WorkerPool) Start(ctx context.Context) {
	logger.Log.Info("Starting worker pool", zap.Int("workers", wp.numWorkers))

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.runWorker(ctx, i)
	}
}

// Blocks until all workers have finished
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Starts the workers and blocks until ctx is done and they have stopped.
func (wp *WorkerPool) Run(ctx context.Context) error {
	wp.Start(ctx)
	wp.Wait()
	return nil
}

// The main loop for each worker goroutine
func (wp *WorkerPool) runWorker(ctx context.Context, id int) {
	defer wp.wg.Done()

	logger.Log.Info("Worker started", zap.Int("worker_id", id))

	for {
		if ctx.Err() != nil {
			logger.Log.Info("Worker received stop signal", zap.Int("worker_id", id))
			return
		}

		job, err := wp.queue.Remove(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				logger.Log.Warn("Failed to take job from queue", zap.Int("worker_id", id), zap.Error(err))
			}
			// If queue is empty, wait a bit before trying again
			select {
			case <-ctx.Done():
			case <-time.After(wp.pollInterval):
			}
			continue
		}

		result := wp.process(ctx, job)
		metrics.JobsProcessed.WithLabelValues(result.Status).Inc()
		// The check already happened; store its outcome even while shutting down.
		if err := wp.queue.StoreResult(context.WithoutCancel(ctx), result); err != nil {
			logger.Log.Error("Failed to store job result",
				zap.Int("worker_id", id),
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		logger.Log.Debug("Processed job",
			zap.Int("worker_id", id),
			zap.String("job_id", job.ID),
			zap.String("status", result.Status))
	}
}

// Runs the duplicate check for one job.
func (wp *WorkerPool) process(ctx context.Context, job models.Job) models.JobResult {
	result := models.JobResult{JobID: job.ID, Source: job.Source}

	fp, err := fingerprint.Parse(job.Fingerprint, wp.width)
	if err == nil {
		var check models.CheckResult
		check, err = wp.deduper.CheckAndInsert(ctx, fp)
		if err == nil {
			result.Status = models.JobDone
			result.Result = &check
		}
	}
	if err != nil {
		logger.Log.Warn("Job failed", zap.String("job_id", job.ID), zap.Error(err))
		result.Status = models.JobFailed
		result.Error = err.Error()
	}
	result.CompletedAt = wp.now().UTC()
	return result
}
