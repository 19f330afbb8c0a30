package administrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dupcheck/internal/pkg/config"
	"dupcheck/internal/pkg/deduplicator"
	"dupcheck/internal/pkg/imagehash"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/queue"
	"dupcheck/internal/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

// Administrator interface
type Administrator interface {
	// Serves HTTP and runs the workers and the compactor until ctx is done,
	// then shuts everything down.
	Run(ctx context.Context) error
	Handler() http.Handler
	WorkerCount() int
	StartTime() time.Time
}

// Implementation of the Administrator interface
type administrator struct {
	config     *config.Config
	service    *deduper.Service
	closeQueue func() error
	workerPool *worker.WorkerPool
	router     http.Handler
	startTime  time.Time
	numWorkers int
}

// Creates a new instance of an Administrator with a config. It opens the
// record log and rebuilds the index before returning.
func New(cfg *config.Config) (Administrator, error) {
	service, err := deduper.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open duplicate-check service: %w", err)
	}

	var jobs queue.JobQueue
	closeQueue := func() error { return nil }
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		redisQueue, err := queue.NewRedisQueue(cfg)
		if err != nil {
			_ = service.Close()
			return nil, fmt.Errorf("failed to create redis queue: %w", err)
		}
		jobs, closeQueue = redisQueue, redisQueue.Close
	default:
		memoryQueue, err := queue.CreateQueue(cfg.QueueCapacity, cfg.ResultTTL)
		if err != nil {
			_ = service.Close()
			return nil, fmt.Errorf("failed to create queue: %w", err)
		}
		jobs = memoryQueue
	}

	extractor, err := imagehash.NewExtractor(cfg.FingerprintWidth)
	if err != nil {
		logger.Log.Warn("Image uploads disabled", zap.Int("width", cfg.FingerprintWidth), zap.Error(err))
		extractor = nil
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	numWorkers := max(cfg.NumWorkers, 1)
	startTime := time.Now()
	h := &handler{
		checker:    service,
		jobs:       jobs,
		extractor:  extractor,
		width:      cfg.FingerprintWidth,
		numWorkers: numWorkers,
		startTime:  startTime,
	}

	return &administrator{
		config:     cfg,
		service:    service,
		closeQueue: closeQueue,
		workerPool: worker.NewWorkerPool(numWorkers, cfg.FingerprintWidth, jobs, service),
		router:     newRouter(h, limiter),
		startTime:  startTime,
		numWorkers: numWorkers,
	}, nil
}

func (admin *administrator) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + admin.config.ServerPort,
		Handler:           admin.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Log.Info("HTTP service listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return admin.workerPool.Run(groupCtx)
	})
	group.Go(func() error {
		return admin.service.Start(groupCtx)
	})

	runErr := group.Wait()
	logger.Log.Info("Beginning shutdown sequence")

	if err := admin.closeQueue(); err != nil {
		logger.Log.Warn("Failed to close queue", zap.Error(err))
	}
	if err := admin.service.Close(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	logger.Log.Info("Administrator stopped gracefully")
	return runErr
}

func (admin *administrator) Handler() http.Handler {
	return admin.router
}

// Returns the number of workers for health checks
func (admin *administrator) WorkerCount() int {
	return admin.numWorkers
}

// Returns when the service was started for health checks
func (admin *administrator) StartTime() time.Time {
	return admin.startTime
}
