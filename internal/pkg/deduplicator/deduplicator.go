// Package deduper implements the duplicate-check service: it answers whether
// a fingerprint is a near-duplicate of any stored record and, if not, stores
// it durably before making it visible to later checks.
package deduper

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dupcheck/internal/pkg/config"
	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/index"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/metrics"
	"dupcheck/internal/pkg/models"
	"dupcheck/internal/pkg/store"
)

// Defines the interface for duplicate checking.
type Deduper interface {
	CheckAndInsert(ctx context.Context, fp fingerprint.Fingerprint) (models.CheckResult, error)
	Stats() models.Stats
}

// The durable log written ahead of the index. Implemented by *store.Log.
type RecordLog interface {
	AppendAsync(rec models.Record) <-chan error
	Replay() iter.Seq2[models.Record, error]
	Rotate() (store.Checkpoint, error)
	WriteSnapshot(ctx context.Context, cp store.Checkpoint, records []models.Record) error
	Size() int64
	Width() int
	Close() error
}

// Options configures a Service.
type Options struct {
	// Threshold is the largest Hamming distance reported as a duplicate.
	Threshold int

	// Blocks is the number of index blocks; 0 derives threshold+1.
	Blocks int

	// AppendTimeout bounds each CheckAndInsert call, including the wait for
	// the check slot. 0 leaves only the caller's deadline.
	AppendTimeout time.Duration

	// CompactionInterval and CompactionLogBytes drive the background
	// compactor started by Start. 0 disables the trigger.
	CompactionInterval time.Duration
	CompactionLogBytes int64

	// CloseTimeout bounds how long Close waits for an in-flight check.
	// 0 means defaultCloseTimeout.
	CloseTimeout time.Duration
}

const defaultCloseTimeout = 10 * time.Second

// Service is the duplicate-check service. Check-and-insert runs one at a time
// under a single check slot; queries against the index need no slot.
type Service struct {
	log   RecordLog
	idx   *index.Index
	opts  Options
	width int
	now   func() time.Time

	// Check slot. nextID and closed are only touched while holding it.
	sem    chan struct{}
	nextID uint64
	closed bool

	compactMu      sync.Mutex
	compactSignal  chan struct{}
	dirty          atomic.Int64 // records inserted since the last snapshot
	statsMu        sync.Mutex
	compactions    int64
	lastCompaction time.Time
}

// Opens the record log in cfg.DataDir and builds a service on top of it.
func Open(cfg *config.Config) (*Service, error) {
	recordLog, err := store.Open(cfg.DataDir, func(o *store.Options) {
		o.Width = cfg.FingerprintWidth
		o.CompressSnapshots = cfg.SnapshotCompressionLevel > 0
		o.CompressionLevel = cfg.SnapshotCompressionLevel
	})
	if err != nil {
		return nil, translateError(err)
	}
	s, err := New(recordLog, Options{
		Threshold:          cfg.Threshold,
		Blocks:             cfg.Blocks(),
		AppendTimeout:      cfg.AppendTimeout,
		CompactionInterval: cfg.CompactionInterval,
		CompactionLogBytes: cfg.CompactionLogBytes,
	})
	if err != nil {
		_ = recordLog.Close()
		return nil, err
	}
	return s, nil
}

// Creates a new Service and rebuilds its index by replaying log.
// The service owns log from here on and closes it in Close.
func New(log RecordLog, opts Options) (*Service, error) {
	if opts.Threshold < 0 {
		return nil, fmt.Errorf("%w: %d", index.ErrNegativeThreshold, opts.Threshold)
	}
	width := log.Width()
	if opts.Blocks == 0 {
		opts.Blocks = min(opts.Threshold+1, width)
	}
	idx, err := index.New(width, opts.Blocks)
	if err != nil {
		return nil, err
	}

	s := &Service{
		log:           log,
		idx:           idx,
		opts:          opts,
		width:         width,
		now:           time.Now,
		sem:           make(chan struct{}, 1),
		compactSignal: make(chan struct{}, 1),
	}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) rebuild() error {
	start := time.Now()
	var maxID uint64
	for rec, err := range s.log.Replay() {
		if err != nil {
			return fmt.Errorf("replay record log: %w", translateError(err))
		}
		if err := s.idx.Insert(rec); err != nil {
			return fmt.Errorf("replay record %d: %w", rec.ID, translateError(err))
		}
		maxID = max(maxID, rec.ID)
	}
	s.nextID = maxID + 1

	logger.Log.Info("Rebuilt similarity index",
		zap.Int("records", s.idx.Size()),
		zap.Uint64("next_id", s.nextID),
		zap.Int("threshold", s.opts.Threshold),
		zap.Int("blocks", s.idx.Blocks()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Reports whether fp is within the threshold of a stored record. If not, fp
// is stored under a fresh id, durably, before any later check can see it.
//
// When ctx ends while the append is in flight the caller gets ErrTimeout and
// the append is finished in the background: if it commits, the record is
// indexed as though the call had succeeded.
func (s *Service) CheckAndInsert(ctx context.Context, fp fingerprint.Fingerprint) (models.CheckResult, error) {
	if fp.Width() != s.width {
		metrics.Checks.WithLabelValues("invalid").Inc()
		return models.CheckResult{}, fmt.Errorf("%w: %w: service holds %d-bit fingerprints, got %d",
			ErrInvalidFingerprint, fingerprint.ErrWidthMismatch, s.width, fp.Width())
	}
	if s.opts.AppendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AppendTimeout)
		defer cancel()
	}

	if err := s.acquire(ctx); err != nil {
		metrics.Checks.WithLabelValues("timeout").Inc()
		return models.CheckResult{}, translateError(err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.release()
		}
	}()

	if s.closed {
		return models.CheckResult{}, translateError(store.ErrClosed)
	}

	matches, err := s.idx.Query(fp, s.opts.Threshold)
	if err != nil {
		metrics.Checks.WithLabelValues("error").Inc()
		return models.CheckResult{}, translateError(err)
	}
	if len(matches) > 0 {
		best := matches[0]
		metrics.Checks.WithLabelValues("duplicate").Inc()
		metrics.DuplicatesDetected.Inc()
		return models.CheckResult{
			Duplicate:   true,
			Fingerprint: fp.String(),
			MatchedID:   best.ID,
			Distance:    &best.Distance,
		}, nil
	}

	// Nothing has been written yet, so giving up here has no effect.
	if err := ctx.Err(); err != nil {
		metrics.Checks.WithLabelValues("timeout").Inc()
		return models.CheckResult{}, translateError(err)
	}

	rec := models.Record{ID: s.nextID, Fingerprint: fp, InsertedAt: s.now().UTC()}
	done := s.log.AppendAsync(rec)

	var appendErr error
	select {
	case appendErr = <-done:
	case <-ctx.Done():
		select {
		case appendErr = <-done:
		default:
			// The slot goes with the append so no later check runs before
			// its outcome is applied.
			handedOff = true
			go s.completeAbandoned(rec, done)
			metrics.Checks.WithLabelValues("timeout").Inc()
			return models.CheckResult{}, translateError(ctx.Err())
		}
	}
	if appendErr != nil {
		metrics.Checks.WithLabelValues("error").Inc()
		logger.Log.Error("Failed to append record", zap.Uint64("id", rec.ID), zap.Error(appendErr))
		return models.CheckResult{}, translateError(appendErr)
	}

	if err := s.insert(rec); err != nil {
		metrics.Checks.WithLabelValues("error").Inc()
		return models.CheckResult{}, translateError(err)
	}
	metrics.Checks.WithLabelValues("inserted").Inc()
	return models.CheckResult{Fingerprint: fp.String(), AssignedID: rec.ID}, nil
}

// Waits for an append whose caller gave up, applies it and releases the slot.
func (s *Service) completeAbandoned(rec models.Record, done <-chan error) {
	defer s.release()
	if err := <-done; err != nil {
		logger.Log.Warn("Abandoned append failed", zap.Uint64("id", rec.ID), zap.Error(err))
		return
	}
	if err := s.insert(rec); err != nil {
		logger.Log.Error("Failed to index abandoned record", zap.Uint64("id", rec.ID), zap.Error(err))
		return
	}
	logger.Log.Info("Indexed record after its caller gave up", zap.Uint64("id", rec.ID))
}

// Makes a committed record visible. Caller holds the check slot.
func (s *Service) insert(rec models.Record) error {
	// The id is spent once it is durable, whatever happens next.
	s.nextID = rec.ID + 1
	if err := s.idx.Insert(rec); err != nil {
		logger.Log.Error("Committed record could not be indexed", zap.Uint64("id", rec.ID), zap.Error(err))
		return err
	}
	s.dirty.Add(1)

	if s.opts.CompactionLogBytes > 0 && s.log.Size() >= s.opts.CompactionLogBytes {
		select {
		case s.compactSignal <- struct{}{}:
		default:
			// compaction already signaled
		}
	}
	return nil
}

func (s *Service) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.sem
}

// Stats returns the current record count and configuration.
func (s *Service) Stats() models.Stats {
	s.statsMu.Lock()
	compactions, last := s.compactions, s.lastCompaction
	s.statsMu.Unlock()

	return models.Stats{
		RecordCount:      s.idx.Size(),
		Threshold:        s.opts.Threshold,
		FingerprintWidth: s.width,
		LogBytes:         s.log.Size(),
		Compactions:      compactions,
		LastCompaction:   last,
	}
}

// Folds the log into a fresh snapshot. Check-and-insert pauses only while the
// index is captured and the log rotated; the snapshot itself is written
// while checks continue.
func (s *Service) Compact(ctx context.Context) error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return translateError(err)
	}
	if s.closed {
		s.release()
		return translateError(store.ErrClosed)
	}
	records := s.idx.Records()
	cp, err := s.log.Rotate()
	dirty := s.dirty.Swap(0)
	s.release()
	if err != nil {
		s.dirty.Add(dirty)
		return translateError(err)
	}

	if err := s.log.WriteSnapshot(ctx, cp, records); err != nil {
		s.dirty.Add(dirty)
		return translateError(err)
	}

	s.statsMu.Lock()
	s.compactions++
	s.lastCompaction = s.now().UTC()
	s.statsMu.Unlock()
	return nil
}

// Runs the background compactor until ctx is done. A compaction starts on
// every CompactionInterval tick with new records, and as soon as the log
// grows past CompactionLogBytes.
func (s *Service) Start(ctx context.Context) error {
	var tick <-chan time.Time
	if s.opts.CompactionInterval > 0 {
		ticker := time.NewTicker(s.opts.CompactionInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if s.dirty.Load() == 0 {
				continue
			}
			s.runCompaction(ctx, "interval")
		case <-s.compactSignal:
			s.runCompaction(ctx, "log_size")
		}
	}
}

func (s *Service) runCompaction(ctx context.Context, trigger string) {
	start := time.Now()
	if err := s.Compact(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Log.Error("Compaction failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	logger.Log.Info("Compaction finished",
		zap.String("trigger", trigger),
		zap.Int("records", s.idx.Size()),
		zap.Int64("log_bytes", s.log.Size()),
		zap.Duration("took", time.Since(start)),
	)
}

// Waits for any in-flight check, then closes the record log. Later calls
// fail with ErrStorageFailure. If the check slot is not released within
// CloseTimeout, Close gives up with ErrTimeout and leaves the log open.
func (s *Service) Close() error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	timeout := s.opts.CloseTimeout
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.acquire(ctx); err != nil {
		logger.Log.Error("Gave up waiting for in-flight check", zap.Duration("timeout", timeout))
		return translateError(err)
	}
	defer s.release()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.log.Close(); err != nil {
		return translateError(err)
	}
	return nil
}
