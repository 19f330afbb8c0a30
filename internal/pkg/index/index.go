// Package index holds the in-memory similarity index over stored fingerprints.
//
// Fingerprints are cut into B contiguous sub-signatures. Each block position
// keeps an exact-match bucket map from sub-signature to the set of record ids
// carrying it. By pigeonhole, a record within Hamming distance t < B of the
// query agrees with it on at least one whole block, so probing the query's B
// buckets finds every true match. Queries with t >= B fall back to a full scan.
package index

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/metrics"
	"dupcheck/internal/pkg/models"
)

var (
	// ErrDuplicateID is returned when a record id is inserted twice.
	ErrDuplicateID = errors.New("record id already indexed")

	// ErrNegativeThreshold is returned for a query threshold below zero.
	ErrNegativeThreshold = errors.New("threshold must not be negative")
)

// A stored record together with its distance to the query.
type Match struct {
	models.Record
	Distance int
}

// Index maps fingerprints to record ids. Safe for concurrent use: queries run
// in parallel, inserts take the write lock.
type Index struct {
	mu        sync.RWMutex
	partition fingerprint.Partition
	records   []models.Record
	positions map[uint64]int
	buckets   []map[string]*roaring64.Bitmap
}

// Creates an empty index for fingerprints of the given width split into the
// given number of blocks.
func New(width, blocks int) (*Index, error) {
	partition, err := fingerprint.NewPartition(width, blocks)
	if err != nil {
		return nil, err
	}
	buckets := make([]map[string]*roaring64.Bitmap, blocks)
	for i := range buckets {
		buckets[i] = make(map[string]*roaring64.Bitmap)
	}
	return &Index{
		partition: partition,
		positions: make(map[uint64]int),
		buckets:   buckets,
	}, nil
}

// Width returns the fingerprint width accepted by the index.
func (idx *Index) Width() int { return idx.partition.Width() }

// Blocks returns the number of sub-signature blocks.
func (idx *Index) Blocks() int { return idx.partition.Blocks() }

// Adds a record. Inserting the same fingerprint twice under different ids
// yields two records.
func (idx *Index) Insert(rec models.Record) error {
	if err := idx.checkWidth(rec.Fingerprint); err != nil {
		return err
	}
	sigs := idx.partition.Signatures(rec.Fingerprint)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.positions[rec.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, rec.ID)
	}
	for i, sig := range sigs {
		bucket, ok := idx.buckets[i][sig]
		if !ok {
			bucket = roaring64.New()
			idx.buckets[i][sig] = bucket
		}
		bucket.Add(rec.ID)
	}
	idx.positions[rec.ID] = len(idx.records)
	idx.records = append(idx.records, rec)
	metrics.IndexRecords.Set(float64(len(idx.records)))
	return nil
}

// Returns every record within threshold of fp, closest first and ties broken
// by the smaller id. An empty index yields an empty result.
func (idx *Index) Query(fp fingerprint.Fingerprint, threshold int) ([]Match, error) {
	if err := idx.checkWidth(fp); err != nil {
		return nil, err
	}
	if threshold < 0 {
		return nil, ErrNegativeThreshold
	}

	idx.mu.RLock()
	var matches []Match
	if threshold < idx.partition.Blocks() {
		matches = idx.probe(fp, threshold)
	} else {
		matches = idx.scan(fp, threshold)
	}
	idx.mu.RUnlock()

	sortMatches(matches)
	return matches, nil
}

// Size returns the number of indexed records.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// Returns a copy of every record ordered by id.
func (idx *Index) Records() []models.Record {
	idx.mu.RLock()
	out := slices.Clone(idx.records)
	idx.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Record) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Candidate lookup through the block buckets. Caller holds the read lock.
func (idx *Index) probe(fp fingerprint.Fingerprint, threshold int) []Match {
	hits := make([]*roaring64.Bitmap, 0, idx.partition.Blocks())
	for i := 0; i < idx.partition.Blocks(); i++ {
		if bucket, ok := idx.buckets[i][idx.partition.Signature(fp, i)]; ok {
			hits = append(hits, bucket)
		}
	}
	if len(hits) == 0 {
		metrics.QueryCandidates.Observe(0)
		return nil
	}

	candidates := roaring64.New()
	for _, bucket := range hits {
		candidates.Or(bucket)
	}
	metrics.QueryCandidates.Observe(float64(candidates.GetCardinality()))

	var matches []Match
	it := candidates.Iterator()
	for it.HasNext() {
		rec := idx.records[idx.positions[it.Next()]]
		if d := fingerprint.Distance(fp, rec.Fingerprint); d <= threshold {
			matches = append(matches, Match{Record: rec, Distance: d})
		}
	}
	return matches
}

// Exhaustive comparison against every record. Caller holds the read lock.
func (idx *Index) scan(fp fingerprint.Fingerprint, threshold int) []Match {
	metrics.QueryCandidates.Observe(float64(len(idx.records)))

	var matches []Match
	for _, rec := range idx.records {
		if d := fingerprint.Distance(fp, rec.Fingerprint); d <= threshold {
			matches = append(matches, Match{Record: rec, Distance: d})
		}
	}
	return matches
}

func (idx *Index) checkWidth(fp fingerprint.Fingerprint) error {
	if fp.Width() != idx.partition.Width() {
		return fmt.Errorf("%w: index holds %d-bit fingerprints, got %d", fingerprint.ErrWidthMismatch, idx.partition.Width(), fp.Width())
	}
	return nil
}

func sortMatches(matches []Match) {
	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
