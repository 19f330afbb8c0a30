package deduper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dupcheck/internal/pkg/config"
	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/models"
	"dupcheck/internal/pkg/store"
)

func init() {
	logger.Log = zap.NewNop() // Set up a no-op logger to avoid nil pointer dereferences in tests.
}

// Wraps a real log so tests can fail or stall appends.
type faultyLog struct {
	*store.Log

	mu        sync.Mutex
	appendErr error
	hold      chan struct{} // appends wait for it to close before writing
	started   chan struct{} // receives one value per append
}

func (f *faultyLog) AppendAsync(rec models.Record) <-chan error {
	f.mu.Lock()
	appendErr, hold, started := f.appendErr, f.hold, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if appendErr != nil {
		done := make(chan error, 1)
		done <- appendErr
		return done
	}
	if hold == nil {
		return f.Log.AppendAsync(rec)
	}
	done := make(chan error, 1)
	go func() {
		<-hold
		done <- <-f.Log.AppendAsync(rec)
	}()
	return done
}

func (f *faultyLog) setAppendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

func openStore(t *testing.T, dir string, width int) *store.Log {
	t.Helper()
	l, err := store.Open(dir, func(o *store.Options) { o.Width = width })
	require.NoError(t, err)
	return l
}

func newService(t *testing.T, log RecordLog, opts Options) *Service {
	t.Helper()
	s, err := New(log, opts)
	require.NoError(t, err)
	return s
}

func fp8(b byte) fingerprint.Fingerprint {
	fp, err := fingerprint.New(8, []byte{b})
	if err != nil {
		panic(err)
	}
	return fp
}

func inserted(fp fingerprint.Fingerprint, id uint64) models.CheckResult {
	return models.CheckResult{Fingerprint: fp.String(), AssignedID: id}
}

func duplicate(fp fingerprint.Fingerprint, id uint64, distance int) models.CheckResult {
	return models.CheckResult{Duplicate: true, Fingerprint: fp.String(), MatchedID: id, Distance: &distance}
}

func TestEmptyIndexAssignsFirstID(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 64), Options{Threshold: 8})
	defer s.Close()

	result, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(0xDEADBEEF))
	require.NoError(t, err)
	assert.Equal(t, inserted(fingerprint.FromUint64(0xDEADBEEF), 1), result)
	assert.Equal(t, 1, s.Stats().RecordCount)
}

func TestThresholdScenario(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 8), Options{Threshold: 5})
	defer s.Close()
	ctx := context.Background()

	result, err := s.CheckAndInsert(ctx, fp8(0b10101010))
	require.NoError(t, err)
	assert.Equal(t, inserted(fp8(0b10101010), 1), result)

	// Three bits away.
	result, err = s.CheckAndInsert(ctx, fp8(0b01001010))
	require.NoError(t, err)
	assert.Equal(t, duplicate(fp8(0b01001010), 1, 3), result)

	// Six bits away.
	result, err = s.CheckAndInsert(ctx, fp8(0b01010110))
	require.NoError(t, err)
	assert.Equal(t, inserted(fp8(0b01010110), 2), result)

	stats := s.Stats()
	assert.Equal(t, 2, stats.RecordCount)
	assert.Equal(t, 5, stats.Threshold)
	assert.Equal(t, 8, stats.FingerprintWidth)
}

func TestReopenRebuildsIndexAndPicksBestMatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newService(t, openStore(t, dir, 8), Options{Threshold: 0})
	for _, b := range []byte{0x00, 0x07, 0x0F} {
		_, err := s.CheckAndInsert(ctx, fp8(b))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = newService(t, openStore(t, dir, 8), Options{Threshold: 3})
	defer s.Close()
	assert.Equal(t, 3, s.Stats().RecordCount)

	// 0x03 is two bits from ids 1 and 3, one bit from id 2.
	result, err := s.CheckAndInsert(ctx, fp8(0x03))
	require.NoError(t, err)
	assert.Equal(t, duplicate(fp8(0x03), 2, 1), result)

	result, err = s.CheckAndInsert(ctx, fp8(0xF0))
	require.NoError(t, err)
	assert.Equal(t, inserted(fp8(0xF0), 4), result)
}

func TestConcurrentIdenticalFingerprints(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 64), Options{Threshold: 4})
	defer s.Close()

	const callers = 32
	results := make([]models.CheckResult, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(0xCAFEF00D))
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	var inserted []uint64
	for _, r := range results {
		if !r.Duplicate {
			inserted = append(inserted, r.AssignedID)
		}
	}
	require.Len(t, inserted, 1)
	for _, r := range results {
		if r.Duplicate {
			assert.Equal(t, inserted[0], r.MatchedID)
			require.NotNil(t, r.Distance)
			assert.Equal(t, 0, *r.Distance)
		}
	}
	assert.Equal(t, 1, s.Stats().RecordCount)
}

func TestCommittedRecordSurvivesCrashBeforeIndexing(t *testing.T) {
	dir := t.TempDir()

	// The append commits but the process dies before the index sees it.
	l := openStore(t, dir, 64)
	require.NoError(t, l.Append(context.Background(), models.Record{
		ID:          1,
		Fingerprint: fingerprint.FromUint64(0x1234),
		InsertedAt:  time.Now().UTC(),
	}))
	require.NoError(t, l.Close())

	s := newService(t, openStore(t, dir, 64), Options{Threshold: 2})
	defer s.Close()

	result, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(0x1235))
	require.NoError(t, err)
	assert.Equal(t, duplicate(fingerprint.FromUint64(0x1235), 1, 1), result)

	result, err = s.CheckAndInsert(context.Background(), fingerprint.FromUint64(0xFFFF0000))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.AssignedID)
}

func TestAppendFailureLeavesIndexUntouched(t *testing.T) {
	log := &faultyLog{Log: openStore(t, t.TempDir(), 64)}
	s := newService(t, log, Options{Threshold: 4})
	defer s.Close()

	log.setAppendErr(fmt.Errorf("%w: disk full", store.ErrStorage))
	_, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(42))
	require.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.Equal(t, 0, s.Stats().RecordCount)

	// The failed attempt neither indexed the fingerprint nor spent its id.
	log.setAppendErr(nil)
	result, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(42))
	require.NoError(t, err)
	assert.Equal(t, inserted(fingerprint.FromUint64(42), 1), result)
}

func TestTimeoutBeforeAppendHasNoEffect(t *testing.T) {
	l := openStore(t, t.TempDir(), 64)
	s := newService(t, l, Options{Threshold: 4})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(7))
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, s.Stats().RecordCount)
	for _, err := range l.Replay() {
		t.Fatalf("expected an empty log, got entry (err %v)", err)
	}
}

func TestTimeoutWhileAppendInFlight(t *testing.T) {
	hold := make(chan struct{})
	log := &faultyLog{Log: openStore(t, t.TempDir(), 64), hold: hold}
	s := newService(t, log, Options{Threshold: 4})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(99))
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The append commits after the caller left; the record must be indexed
	// before the next check runs.
	close(hold)
	result, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(99))
	require.NoError(t, err)
	assert.Equal(t, duplicate(fingerprint.FromUint64(99), 1, 0), result)
}

func TestAppendTimeoutOption(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	log := &faultyLog{Log: openStore(t, t.TempDir(), 64), hold: hold}
	s := newService(t, log, Options{Threshold: 4, AppendTimeout: 10 * time.Millisecond})

	_, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(5))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitingForSlotTimesOut(t *testing.T) {
	hold := make(chan struct{})
	started := make(chan struct{}, 4)
	log := &faultyLog{Log: openStore(t, t.TempDir(), 64), hold: hold, started: started}
	s := newService(t, log, Options{Threshold: 4})
	defer s.Close()

	first := make(chan models.CheckResult, 1)
	go func() {
		result, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(1))
		assert.NoError(t, err)
		first <- result
	}()
	<-started // the first call holds the slot and is appending

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(0xFFFFFFFF00000000))
	require.ErrorIs(t, err, ErrTimeout)

	close(hold)
	assert.Equal(t, inserted(fingerprint.FromUint64(1), 1), <-first)
	assert.Equal(t, 1, s.Stats().RecordCount)
}

func TestWidthMismatchIsInvalid(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 64), Options{Threshold: 4})
	defer s.Close()

	_, err := s.CheckAndInsert(context.Background(), fp8(1))
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
	assert.ErrorIs(t, err, fingerprint.ErrWidthMismatch)
}

func TestCompactKeepsEveryRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newService(t, openStore(t, dir, 64), Options{Threshold: 2})

	for i := uint64(0); i < 3; i++ {
		_, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(0xFF<<(i*8)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Compact(ctx))
	_, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(0xFF<<24))
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Compactions)
	assert.False(t, stats.LastCompaction.IsZero())
	require.NoError(t, s.Close())

	s = newService(t, openStore(t, dir, 64), Options{Threshold: 2})
	defer s.Close()
	assert.Equal(t, 4, s.Stats().RecordCount)
	result, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(0xFF<<8))
	require.NoError(t, err)
	assert.Equal(t, duplicate(fingerprint.FromUint64(0xFF<<8), 2, 0), result)
}

func TestCompactorRunsOnLogSize(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 64), Options{Threshold: 2, CompactionLogBytes: 1})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- s.Start(ctx) }()

	_, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(1))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.Stats().Compactions >= 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-stopped)
}

func TestCompactorRunsOnInterval(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 64), Options{Threshold: 2, CompactionInterval: 10 * time.Millisecond})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	// No new records, nothing to compact.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), s.Stats().Compactions)

	_, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(1))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return s.Stats().Compactions >= 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestClosedService(t *testing.T) {
	s := newService(t, openStore(t, t.TempDir(), 64), Options{Threshold: 2})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.CheckAndInsert(context.Background(), fingerprint.FromUint64(1))
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, s.Compact(context.Background()), ErrStorageFailure)
}

func TestCloseGivesUpOnStuckAppend(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	log := &faultyLog{Log: openStore(t, t.TempDir(), 64), hold: hold}
	s := newService(t, log, Options{Threshold: 4, CloseTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.CheckAndInsert(ctx, fingerprint.FromUint64(3))
	require.ErrorIs(t, err, ErrTimeout)

	// The abandoned append still holds the check slot.
	start := time.Now()
	err = s.Close()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenFromConfig(t *testing.T) {
	cfg := &config.Config{
		DataDir:                  t.TempDir(),
		Threshold:                3,
		FingerprintWidth:         64,
		SnapshotCompressionLevel: 3,
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	_, err = s.CheckAndInsert(context.Background(), fingerprint.FromUint64(1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.FingerprintWidth = 128
	_, err = Open(cfg)
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestTranslateError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{fingerprint.ErrWidthMismatch, ErrInvalidFingerprint},
		{store.ErrTimeout, ErrTimeout},
		{context.DeadlineExceeded, ErrTimeout},
		{store.ErrCorrupt, ErrStorageFailure},
		{errors.New("boom"), ErrStorageFailure},
	}
	for _, c := range cases {
		got := translateError(c.in)
		assert.ErrorIs(t, got, c.want)
		assert.ErrorIs(t, got, c.in)
	}
	assert.NoError(t, translateError(nil))
}
