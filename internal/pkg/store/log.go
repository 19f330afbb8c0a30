// Package store provides the durable, append-only record log and its
// compacted snapshot.
//
// On-disk layout inside the data directory:
//
//	wal-<generation>.log   append-only log generations, newest receives appends
//	snapshot.dat           compacted records plus the marker of the last
//	                       compacted id and the first uncovered generation
//
// An append is durable (written and fsynced) when it returns. Compaction seals
// the current generation, writes a new snapshot next to the old one and
// publishes it with an atomic rename, so a crash leaves either the old
// snapshot and logs or the new snapshot intact.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/metrics"
	"dupcheck/internal/pkg/models"
)

const (
	snapshotFileName = "snapshot.dat"
	logFilePrefix    = "wal-"
	logFileSuffix    = ".log"
)

// Options configures a Log.
type Options struct {
	// Width is the fingerprint width in bits. Every persisted file records it
	// and Open refuses files written with a different width.
	Width int

	// CompressSnapshots enables zstd compression of snapshot bodies.
	CompressSnapshots bool

	// CompressionLevel is the zstd level (1-22) used for snapshots.
	CompressionLevel int
}

// DefaultOptions returns options for 64-bit fingerprints with compressed snapshots.
func DefaultOptions() Options {
	return Options{
		Width:             64,
		CompressSnapshots: true,
		CompressionLevel:  3,
	}
}

// Identifies the generation boundary produced by Rotate. Every generation
// below Generation is sealed and may be folded into a snapshot.
type Checkpoint struct {
	Generation uint64
}

// Log is the durable record store.
type Log struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	file   *os.File
	gen    uint64
	size   int64 // bytes in the current generation, header included
	sealed int64 // bytes in older live generations
	err    error // terminal failure; every later append reports it
	closed bool

	snapMu  sync.Mutex // serializes snapshot writers
	marker  uint64     // marker of the newest published snapshot
	snapGen uint64     // first generation the published snapshot does not cover
}

// Opens or creates the log in dir, recovering from an interrupted append or
// compaction.
func Open(dir string, optFns ...func(o *Options)) (*Log, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := fingerprint.ValidateWidth(opts.Width); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, storageError("create data directory", err)
	}
	// A leftover temp snapshot is an unpublished compaction.
	if err := os.Remove(filepath.Join(dir, snapshotFileName+".tmp")); err != nil && !os.IsNotExist(err) {
		return nil, storageError("remove stale snapshot", err)
	}

	l := &Log{dir: dir, opts: opts}

	snap, ok, err := l.readSnapshotHeader()
	if err != nil {
		return nil, err
	}
	firstGen := uint64(1)
	if ok {
		firstGen = snap.NextGeneration
		l.marker = snap.Marker
		l.snapGen = snap.NextGeneration
	}

	gens, err := l.generations()
	if err != nil {
		return nil, err
	}
	// Generations below the snapshot boundary survive when a crash hit
	// between publishing the snapshot and deleting them, or when they hold
	// records the snapshot does not.
	live := gens[:0]
	for _, g := range gens {
		if g < firstGen {
			covered, _, err := l.coveredBy(g, l.marker)
			if err != nil {
				return nil, err
			}
			if covered {
				if err := os.Remove(l.generationPath(g)); err != nil {
					return nil, storageError("remove compacted generation", err)
				}
				logger.Log.Info("Removed generation covered by snapshot", zap.Uint64("generation", g))
				continue
			}
		}
		live = append(live, g)
	}

	if len(live) == 0 || live[len(live)-1] < firstGen {
		for _, g := range live {
			size, err := l.checkSealed(g)
			if err != nil {
				return nil, err
			}
			l.sealed += size
		}
		if err := l.openGeneration(firstGen, true); err != nil {
			return nil, err
		}
	} else {
		for _, g := range live[:len(live)-1] {
			size, err := l.checkSealed(g)
			if err != nil {
				return nil, err
			}
			l.sealed += size
		}
		if err := l.recoverGeneration(live[len(live)-1]); err != nil {
			return nil, err
		}
	}

	metrics.LogBytes.Set(float64(l.sealed + l.size))
	logger.Log.Info("Opened record log",
		zap.String("dir", dir),
		zap.Uint64("generation", l.gen),
		zap.Uint64("snapshot_marker", l.marker),
		zap.Int64("bytes", l.sealed+l.size),
	)
	return l, nil
}

// Writes rec and waits until it is durable or ctx ends. When ctx ends first
// the write keeps going in the background; the caller cannot know whether it
// committed and should use AppendAsync if it needs to find out.
func (l *Log) Append(ctx context.Context, rec models.Record) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	select {
	case err := <-l.AppendAsync(rec):
		return err
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

// Starts writing rec and returns a channel that receives exactly one value:
// nil once the entry is durable, or the failure. A failed append leaves no
// trace in the log. Callers must not issue appends concurrently if they rely
// on append order.
func (l *Log) AppendAsync(rec models.Record) <-chan error {
	done := make(chan error, 1)
	buf, err := encodeEntry(rec, l.opts.Width)
	if err != nil {
		done <- err
		return done
	}
	go func() {
		done <- l.write(buf)
	}()
	return done
}

func (l *Log) write(buf []byte) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.err != nil {
		return l.err
	}

	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		return l.rollback("write", err)
	}
	if err := l.file.Sync(); err != nil {
		return l.rollback("fsync", err)
	}
	l.size += int64(len(buf))

	metrics.LogAppendLatency.Observe(time.Since(start).Seconds())
	metrics.LogBytes.Set(float64(l.sealed + l.size))
	return nil
}

// Cuts the current generation back to its last committed size. If that is
// not possible the file state is unknown and the log stops accepting appends.
// Caller holds l.mu.
func (l *Log) rollback(op string, cause error) error {
	metrics.LogAppendFailures.Inc()
	err := storageError(op, cause)
	if terr := l.file.Truncate(l.size); terr != nil {
		l.err = fmt.Errorf("%w (rollback failed: %v)", err, terr)
		logger.Log.Error("Record log is no longer writable", zap.Error(l.err))
		return l.err
	}
	if serr := l.file.Sync(); serr != nil {
		l.err = fmt.Errorf("%w (rollback sync failed: %v)", err, serr)
		logger.Log.Error("Record log is no longer writable", zap.Error(l.err))
		return l.err
	}
	logger.Log.Warn("Rolled back failed log append", zap.String("op", op), zap.Error(cause))
	return err
}

// Seals the current generation and directs later appends to a fresh one.
func (l *Log) Rotate() (Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Checkpoint{}, ErrClosed
	}
	if l.err != nil {
		return Checkpoint{}, l.err
	}

	old, oldSize := l.file, l.size
	if err := l.openGeneration(l.gen+1, true); err != nil {
		return Checkpoint{}, err
	}
	l.sealed += oldSize
	if err := old.Close(); err != nil {
		logger.Log.Warn("Failed to close sealed generation", zap.Error(err))
	}
	logger.Log.Debug("Rotated record log", zap.Uint64("generation", l.gen))
	return Checkpoint{Generation: l.gen}, nil
}

// Size returns the bytes held by all live log generations.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed + l.size
}

// Width returns the fingerprint width of the log.
func (l *Log) Width() int { return l.opts.Width }

// Flushes and closes the current generation.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.closed = true
	syncErr := l.file.Sync()
	if err := l.file.Close(); err != nil {
		return storageError("close", err)
	}
	if syncErr != nil {
		return storageError("fsync", syncErr)
	}
	return nil
}

// Creates (or reopens) generation g as the current generation. Caller holds
// l.mu or has exclusive access.
func (l *Log) openGeneration(g uint64, create bool) error {
	path := l.generationPath(g)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600) //nolint:gosec // path is built from the data dir
	if err != nil {
		return storageError("create generation", err)
	}
	if _, err := f.Write(encodeLogHeader(l.opts.Width)); err != nil {
		f.Close()
		return storageError("write generation header", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storageError("fsync generation header", err)
	}
	if create {
		if err := syncDir(l.dir); err != nil {
			f.Close()
			return storageError("fsync data directory", err)
		}
	}
	l.file, l.gen, l.size = f, g, logHeaderSize
	return nil
}

// Opens the newest generation and truncates a torn tail left by a crash.
func (l *Log) recoverGeneration(g uint64) error {
	path := l.generationPath(g)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600) //nolint:gosec // path is built from the data dir
	if err != nil {
		return storageError("open generation", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return storageError("stat generation", err)
	}
	if st.Size() < logHeaderSize {
		// Crashed while creating the generation; nothing was ever appended.
		f.Close()
		return l.openGeneration(g, false)
	}

	header := make([]byte, logHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return storageError("read generation header", err)
	}
	if err := checkLogHeader(header, l.opts.Width); err != nil {
		f.Close()
		return err
	}

	end, scanErr := scanEntries(bufio.NewReader(io.NewSectionReader(f, logHeaderSize, st.Size()-logHeaderSize)), l.opts.Width, nil)
	end += logHeaderSize
	if scanErr != nil {
		if !isTornTail(scanErr) {
			f.Close()
			return fmt.Errorf("%w: generation %d: %w", ErrCorrupt, g, scanErr)
		}
		logger.Log.Warn("Truncating torn tail of record log",
			zap.Uint64("generation", g),
			zap.Int64("valid_bytes", end),
			zap.Int64("file_bytes", st.Size()),
		)
		if err := f.Truncate(end); err != nil {
			f.Close()
			return storageError("truncate torn tail", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return storageError("fsync truncated generation", err)
		}
	}

	l.file, l.gen, l.size = f, g, end
	return nil
}

// Validates a sealed generation and returns its size.
func (l *Log) checkSealed(g uint64) (int64, error) {
	f, err := os.Open(l.generationPath(g))
	if err != nil {
		return 0, storageError("open generation", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, storageError("stat generation", err)
	}
	header := make([]byte, logHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, fmt.Errorf("%w: generation %d: short header", ErrCorrupt, g)
	}
	if err := checkLogHeader(header, l.opts.Width); err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Decodes entries from r until EOF, calling fn for each. Returns the number
// of bytes belonging to complete, valid entries.
func scanEntries(r io.Reader, width int, fn func(models.Record) bool) (int64, error) {
	var valid int64
	for {
		rec, n, err := decodeEntry(r, width)
		if err == io.EOF {
			return valid, nil
		}
		if err != nil {
			return valid, err
		}
		valid += n
		if fn != nil && !fn(rec) {
			return valid, nil
		}
	}
}

func isTornTail(err error) bool {
	return errors.Is(err, errTornEntry) || errors.Is(err, errBadChecksum)
}

// Lists the generation numbers present in the data directory, ascending.
func (l *Log) generations() ([]uint64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, storageError("list data directory", err)
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		var g uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileSuffix), "%d", &g); err != nil {
			continue
		}
		gens = append(gens, g)
	}
	slices.Sort(gens)
	return gens, nil
}

func (l *Log) generationPath(g uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%08d%s", logFilePrefix, g, logFileSuffix))
}

// Syncs a directory so renames and file creations inside it are durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
