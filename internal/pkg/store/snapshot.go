package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/metrics"
	"dupcheck/internal/pkg/models"
)

// Seals the current generation and folds records into a new snapshot.
// records must contain every record appended before the call, so it is only
// safe while no appends are in flight. Writers that cannot pause for the
// whole snapshot should call Rotate under their own serialization and then
// WriteSnapshot outside it.
func (l *Log) Compact(ctx context.Context, records []models.Record) error {
	cp, err := l.Rotate()
	if err != nil {
		return err
	}
	return l.WriteSnapshot(ctx, cp, records)
}

// Writes records as the new snapshot covering every generation below cp and
// removes those generations. Appends continue concurrently; they land in
// generations at or above cp and are untouched.
//
// records must hold every record stored in the generations below cp.
// A generation holding an id above the snapshot marker is kept rather than
// deleted so that a caller breaking that rule loses nothing.
func (l *Log) WriteSnapshot(ctx context.Context, cp Checkpoint, records []models.Record) error {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	start := time.Now()

	l.mu.Lock()
	current := l.gen
	l.mu.Unlock()
	if cp.Generation <= l.snapGen || cp.Generation > current {
		return fmt.Errorf("%w: checkpoint generation %d is outside (%d, %d]", ErrStaleCheckpoint, cp.Generation, l.snapGen, current)
	}

	var marker uint64
	for _, rec := range records {
		marker = max(marker, rec.ID)
	}
	header := snapshotHeader{
		Width:          l.opts.Width,
		Marker:         marker,
		NextGeneration: cp.Generation,
		Count:          uint64(len(records)),
		Compressed:     l.opts.CompressSnapshots,
	}

	path := filepath.Join(l.dir, snapshotFileName)
	tmpPath := path + ".tmp"
	if err := l.writeSnapshotFile(ctx, tmpPath, header, records); err != nil {
		_ = os.Remove(tmpPath)
		metrics.CompactionFailures.Inc()
		return err
	}

	// Publish.
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		metrics.CompactionFailures.Inc()
		return storageError("publish snapshot", err)
	}
	if err := syncDir(l.dir); err != nil {
		metrics.CompactionFailures.Inc()
		return storageError("fsync data directory", err)
	}
	l.mu.Lock()
	l.marker = marker
	l.mu.Unlock()
	l.snapGen = cp.Generation

	removed, err := l.dropCovered(cp, marker)
	if err != nil {
		// The snapshot is published; leftover generations are skipped on
		// replay and removed by the next Open.
		logger.Log.Warn("Failed to remove compacted generations", zap.Error(err))
	}

	metrics.Compactions.Inc()
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	logger.Log.Info("Wrote snapshot",
		zap.Int("records", len(records)),
		zap.Uint64("marker", marker),
		zap.Uint64("next_generation", cp.Generation),
		zap.Int("generations_removed", removed),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (l *Log) writeSnapshotFile(ctx context.Context, path string, header snapshotHeader, records []models.Record) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is built from the data dir
	if err != nil {
		return storageError("create snapshot", err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	if _, err := f.Write(header.encode()); err != nil {
		return storageError("write snapshot header", err)
	}

	bw := bufio.NewWriter(f)
	var body io.Writer = bw
	var enc *zstd.Encoder
	if header.Compressed {
		enc, err = zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(l.opts.CompressionLevel)))
		if err != nil {
			return fmt.Errorf("create snapshot compressor: %w", err)
		}
		body = enc
	}

	for i, rec := range records {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				if enc != nil {
					_ = enc.Close()
				}
				return contextError(err)
			}
		}
		buf, err := encodeEntry(rec, l.opts.Width)
		if err != nil {
			if enc != nil {
				_ = enc.Close()
			}
			return err
		}
		if _, err := body.Write(buf); err != nil {
			if enc != nil {
				_ = enc.Close()
			}
			return storageError("write snapshot", err)
		}
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return storageError("finish snapshot compression", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return storageError("flush snapshot", err)
	}
	if err := f.Sync(); err != nil {
		return storageError("fsync snapshot", err)
	}
	closeErr := f.Close()
	f = nil
	if closeErr != nil {
		return storageError("close snapshot", closeErr)
	}
	return nil
}

// Removes generations below cp whose entries are all folded into the
// snapshot. Returns how many were removed.
func (l *Log) dropCovered(cp Checkpoint, marker uint64) (int, error) {
	gens, err := l.generations()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, g := range gens {
		if g >= cp.Generation {
			break
		}
		covered, size, err := l.coveredBy(g, marker)
		if err != nil {
			return removed, err
		}
		if !covered {
			logger.Log.Warn("Keeping generation with records newer than the snapshot",
				zap.Uint64("generation", g), zap.Uint64("marker", marker))
			continue
		}
		if err := os.Remove(l.generationPath(g)); err != nil {
			return removed, storageError("remove compacted generation", err)
		}
		l.mu.Lock()
		l.sealed -= size
		metrics.LogBytes.Set(float64(l.sealed + l.size))
		l.mu.Unlock()
		removed++
	}
	if removed > 0 {
		if err := syncDir(l.dir); err != nil {
			return removed, storageError("fsync data directory", err)
		}
	}
	return removed, nil
}

// Reports whether every entry of sealed generation g has an id <= marker.
func (l *Log) coveredBy(g, marker uint64) (bool, int64, error) {
	f, err := os.Open(l.generationPath(g))
	if err != nil {
		return false, 0, storageError("open generation", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return false, 0, storageError("stat generation", err)
	}

	r := bufio.NewReader(f)
	if _, err := r.Discard(logHeaderSize); err != nil {
		return false, 0, fmt.Errorf("%w: generation %d: short header", ErrCorrupt, g)
	}
	covered := true
	if _, err := scanEntries(r, l.opts.Width, func(rec models.Record) bool {
		covered = rec.ID <= marker
		return covered
	}); err != nil {
		return false, 0, fmt.Errorf("%w: generation %d: %w", ErrCorrupt, g, err)
	}
	return covered, st.Size(), nil
}

// Reads the snapshot header; ok is false when no snapshot has been published.
func (l *Log) readSnapshotHeader() (snapshotHeader, bool, error) {
	f, err := os.Open(filepath.Join(l.dir, snapshotFileName))
	if os.IsNotExist(err) {
		return snapshotHeader{}, false, nil
	}
	if err != nil {
		return snapshotHeader{}, false, storageError("open snapshot", err)
	}
	defer f.Close()

	buf := make([]byte, snapHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return snapshotHeader{}, false, fmt.Errorf("%w: short snapshot header", ErrCorrupt)
	}
	h, err := decodeSnapshotHeader(buf, l.opts.Width)
	if err != nil {
		return snapshotHeader{}, false, err
	}
	return h, true, nil
}

// Marker returns the highest record id folded into the published snapshot.
func (l *Log) Marker() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marker
}
