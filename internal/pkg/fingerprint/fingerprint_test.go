package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFingerprint(t *testing.T, rng *rand.Rand, width int) Fingerprint {
	t.Helper()
	b := make([]byte, width/8)
	rng.Read(b)
	fp, err := New(width, b)
	require.NoError(t, err)
	return fp
}

func TestDistanceIsSymmetricAndZeroOnSelf(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, width := range []int{8, 64, 72, 256} {
		for i := 0; i < 50; i++ {
			a := randomFingerprint(t, rng, width)
			b := randomFingerprint(t, rng, width)
			assert.Equal(t, Distance(a, b), Distance(b, a))
			assert.Equal(t, 0, Distance(a, a))
			if !a.Equal(b) {
				assert.Positive(t, Distance(a, b))
			}
		}
	}
}

func TestDistanceTriangleInequality(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		a := randomFingerprint(t, rng, 64)
		b := randomFingerprint(t, rng, 64)
		c := randomFingerprint(t, rng, 64)
		assert.LessOrEqual(t, Distance(a, c), Distance(a, b)+Distance(b, c))
	}
}

func TestDistanceCountsDifferingBits(t *testing.T) {
	a, err := Parse("a0", 8) // 1010 0000
	require.NoError(t, err)
	b, err := Parse("5e", 8) // 0101 1110
	require.NoError(t, err)
	assert.Equal(t, 7, Distance(a, b))

	assert.Equal(t, 64, Distance(FromUint64(0), FromUint64(^uint64(0))))
}

func TestDistancePanicsOnWidthMismatch(t *testing.T) {
	a := FromUint64(1)
	b, err := Parse("01", 8)
	require.NoError(t, err)
	require.ErrorIs(t, CheckWidth(a, b), ErrWidthMismatch)
	assert.Panics(t, func() { Distance(a, b) })
}

func TestParseAndString(t *testing.T) {
	fp, err := Parse("0xDEADbeef00000001", 64)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef00000001", fp.String())
	assert.Equal(t, FromUint64(0xdeadbeef00000001), fp)

	_, err = Parse("zz", 8)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = Parse("abcd", 8)
	assert.ErrorIs(t, err, ErrWidthMismatch)

	_, err = New(12, []byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidWidth)
}

func TestBytesReturnsCopy(t *testing.T) {
	fp := FromUint64(42)
	b := fp.Bytes()
	b[0] = 0xFF
	assert.Equal(t, FromUint64(42), fp)
}

func TestFromWords(t *testing.T) {
	fp, err := FromWords([]uint64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 128, fp.Width())
	assert.Equal(t, "00000000000000010000000000000002", fp.String())
}

func TestPartitionCoversEveryBit(t *testing.T) {
	p, err := NewPartition(64, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Start(0))
	assert.Equal(t, 64, p.Start(p.Blocks()))
	for i := 0; i < p.Blocks(); i++ {
		size := p.Start(i+1) - p.Start(i)
		assert.True(t, size == 10 || size == 11, "block %d has size %d", i, size)
	}

	_, err = NewPartition(8, 9)
	assert.Error(t, err)
	_, err = NewPartition(8, 0)
	assert.Error(t, err)
}

func TestSignaturesMatchIffBlockBitsMatch(t *testing.T) {
	p, err := NewPartition(64, 5)
	require.NoError(t, err)

	base := FromUint64(0x0123456789abcdef)
	// Flip bit 20, which lives in block 1 (bits 12..25).
	flipped := FromUint64(0x0123456789abcdef ^ (1 << (63 - 20)))

	a, b := p.Signatures(base), p.Signatures(flipped)
	for i := range a {
		if i == 1 {
			assert.NotEqual(t, a[i], b[i])
		} else {
			assert.Equal(t, a[i], b[i], "block %d", i)
		}
	}
}

func TestAlignedSignatureIsSubstring(t *testing.T) {
	p, err := NewPartition(64, 4)
	require.NoError(t, err)
	fp := FromUint64(0x1111222233334444)
	assert.Equal(t, string([]byte{0x33, 0x33}), p.Signature(fp, 2))
}
