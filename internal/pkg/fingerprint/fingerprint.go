// Package fingerprint defines the fixed-width perceptual hash value shared by
// the index, the durable log and the duplicate-check service.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

var (
	// ErrWidthMismatch is returned when two fingerprints (or a fingerprint and
	// the configured width) disagree on their bit width.
	ErrWidthMismatch = errors.New("fingerprint width mismatch")

	// ErrInvalidWidth is returned for widths that are not a positive multiple of 8.
	ErrInvalidWidth = errors.New("invalid fingerprint width")

	// ErrInvalidEncoding is returned when a hex or byte encoding cannot be decoded.
	ErrInvalidEncoding = errors.New("invalid fingerprint encoding")
)

// MaxWidth bounds the width so a fingerprint's byte length fits the on-disk
// uint16 length field.
const MaxWidth = 8 * 0xFFFF

// Fingerprint is an immutable bit-vector. Bit 0 is the most significant bit
// of the first byte. The zero value is an empty fingerprint of width 0.
type Fingerprint struct {
	width int
	data  string
}

// Returns an error unless width is a usable fingerprint width.
func ValidateWidth(width int) error {
	if width <= 0 || width%8 != 0 || width > MaxWidth {
		return fmt.Errorf("%w: %d (must be a positive multiple of 8 up to %d)", ErrInvalidWidth, width, MaxWidth)
	}
	return nil
}

// Creates a fingerprint of the given width from its big-endian byte encoding.
// The bytes are copied.
func New(width int, b []byte) (Fingerprint, error) {
	if err := ValidateWidth(width); err != nil {
		return Fingerprint{}, err
	}
	if len(b)*8 != width {
		return Fingerprint{}, fmt.Errorf("%w: got %d bits, want %d", ErrWidthMismatch, len(b)*8, width)
	}
	return Fingerprint{width: width, data: string(b)}, nil
}

// Creates a 64-bit fingerprint, the layout most perceptual hash libraries emit.
func FromUint64(v uint64) Fingerprint {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return Fingerprint{width: 64, data: string(b[:])}
}

// Creates a fingerprint from 64-bit words, most significant word first.
func FromWords(words []uint64) (Fingerprint, error) {
	b := make([]byte, 8*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint64(b[i*8:], w)
	}
	return New(len(b)*8, b)
}

// Decodes a hex string (optionally prefixed with "0x") into a fingerprint of
// the given width.
func Parse(s string, width int) (Fingerprint, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return New(width, b)
}

// Width returns the number of bits.
func (f Fingerprint) Width() int { return f.width }

// Bytes returns a copy of the big-endian encoding.
func (f Fingerprint) Bytes() []byte { return []byte(f.data) }

// String returns the lowercase hex encoding.
func (f Fingerprint) String() string { return hex.EncodeToString([]byte(f.data)) }

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool { return f.width == 0 }

// Equal reports whether both fingerprints carry the same bits.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.width == other.width && f.data == other.data
}

// Bit returns the value of bit i.
func (f Fingerprint) Bit(i int) bool {
	return f.data[i/8]&(0x80>>(i%8)) != 0
}

// Returns nil when both fingerprints share a width.
func CheckWidth(a, b Fingerprint) error {
	if a.width != b.width {
		return fmt.Errorf("%w: %d != %d", ErrWidthMismatch, a.width, b.width)
	}
	return nil
}

// Distance returns the Hamming distance between a and b.
// Both must have the same width; a mismatch panics since it can only come from
// a misconfigured process, never from a well-formed request.
func Distance(a, b Fingerprint) int {
	if a.width != b.width {
		panic(fmt.Sprintf("fingerprint: distance between widths %d and %d", a.width, b.width))
	}
	n := len(a.data)
	d := 0
	i := 0
	for ; i+8 <= n; i += 8 {
		d += bits.OnesCount64(load64(a.data, i) ^ load64(b.data, i))
	}
	for ; i < n; i++ {
		d += bits.OnesCount8(a.data[i] ^ b.data[i])
	}
	return d
}

// Distance is the method form of the package-level Distance.
func (f Fingerprint) Distance(other Fingerprint) int { return Distance(f, other) }

func load64(s string, i int) uint64 {
	_ = s[i+7]
	return uint64(s[i])<<56 | uint64(s[i+1])<<48 | uint64(s[i+2])<<40 | uint64(s[i+3])<<32 |
		uint64(s[i+4])<<24 | uint64(s[i+5])<<16 | uint64(s[i+6])<<8 | uint64(s[i+7])
}
