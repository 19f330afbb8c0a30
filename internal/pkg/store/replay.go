package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"dupcheck/internal/pkg/models"
)

// Replay yields every durable record: the snapshot contents first, then the
// log generations in append order, skipping entries the snapshot already
// holds. Each iteration reads the files afresh, so Replay can be ranged over
// more than once with identical results while the log is idle.
//
// Entries appended after the iteration starts are not yielded. Compaction
// waits for a running replay, so the loop body must not call Compact or
// WriteSnapshot.
func (l *Log) Replay() iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		l.snapMu.Lock()
		defer l.snapMu.Unlock()

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			yield(models.Record{}, ErrClosed)
			return
		}
		curGen, curSize := l.gen, l.size
		l.mu.Unlock()

		snap, ok, err := l.readSnapshotHeader()
		if err != nil {
			yield(models.Record{}, err)
			return
		}
		var marker uint64
		if ok {
			marker = snap.Marker
			if !l.replaySnapshot(snap, yield) {
				return
			}
		}

		gens, err := l.generations()
		if err != nil {
			yield(models.Record{}, err)
			return
		}
		for _, g := range gens {
			if g > curGen {
				break
			}
			limit := int64(-1)
			if g == curGen {
				limit = curSize
			}
			if !l.replayGeneration(g, limit, marker, yield) {
				return
			}
		}
	}
}

// Yields the snapshot records. Returns false when iteration must stop.
func (l *Log) replaySnapshot(h snapshotHeader, yield func(models.Record, error) bool) bool {
	f, err := os.Open(filepath.Join(l.dir, snapshotFileName))
	if err != nil {
		yield(models.Record{}, storageError("open snapshot", err))
		return false
	}
	defer f.Close()

	if _, err := f.Seek(snapHeaderSize, io.SeekStart); err != nil {
		yield(models.Record{}, storageError("seek snapshot", err))
		return false
	}
	var body io.Reader = bufio.NewReader(f)
	if h.Compressed {
		dec, err := zstd.NewReader(body)
		if err != nil {
			yield(models.Record{}, fmt.Errorf("%w: snapshot body: %w", ErrCorrupt, err))
			return false
		}
		defer dec.Close()
		body = dec
	}

	for i := uint64(0); i < h.Count; i++ {
		rec, _, err := decodeEntry(body, l.opts.Width)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			yield(models.Record{}, fmt.Errorf("%w: snapshot record %d of %d: %w", ErrCorrupt, i+1, h.Count, err))
			return false
		}
		if !yield(rec, nil) {
			return false
		}
	}
	return true
}

// Yields the entries of generation g with an id above marker. limit bounds
// the bytes read, header included; a negative limit reads the whole file.
func (l *Log) replayGeneration(g uint64, limit int64, marker uint64, yield func(models.Record, error) bool) bool {
	f, err := os.Open(l.generationPath(g))
	if err != nil {
		yield(models.Record{}, storageError("open generation", err))
		return false
	}
	defer f.Close()

	if limit < 0 {
		st, err := f.Stat()
		if err != nil {
			yield(models.Record{}, storageError("stat generation", err))
			return false
		}
		limit = st.Size()
	}
	if limit < logHeaderSize {
		return true
	}

	r := bufio.NewReader(io.NewSectionReader(f, 0, limit))
	header := make([]byte, logHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		yield(models.Record{}, storageError("read generation header", err))
		return false
	}
	if err := checkLogHeader(header, l.opts.Width); err != nil {
		yield(models.Record{}, err)
		return false
	}

	stopped := false
	if _, err := scanEntries(r, l.opts.Width, func(rec models.Record) bool {
		if rec.ID <= marker {
			return true
		}
		if !yield(rec, nil) {
			stopped = true
			return false
		}
		return true
	}); err != nil {
		yield(models.Record{}, fmt.Errorf("%w: generation %d: %w", ErrCorrupt, g, err))
		return false
	}
	return !stopped
}
