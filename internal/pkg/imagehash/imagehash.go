// Package imagehash turns encoded images into fingerprints using a
// perceptual hash.
package imagehash

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"math/bits"

	"github.com/corona10/goimagehash"

	"dupcheck/internal/pkg/fingerprint"
)

// MaxWidth is the widest fingerprint an Extractor produces. The hash resizes
// the image to width x width before its DCT, so cost grows with the square.
const MaxWidth = 256

// ErrUndecodable is returned when the input is not an image in a registered
// format.
var ErrUndecodable = errors.New("cannot decode image")

// Computes fingerprints from image data.
type Extractor interface {
	Extract(r io.Reader) (fingerprint.Fingerprint, error)
	ExtractImage(img image.Image) (fingerprint.Fingerprint, error)
}

// pHash over a cols x rows DCT window, one bit per coefficient.
type phashExtractor struct {
	width int
	cols  int
	rows  int
}

// Creates an Extractor producing width-bit fingerprints. width must be a
// power of two between 8 and MaxWidth.
func NewExtractor(width int) (Extractor, error) {
	if err := fingerprint.ValidateWidth(width); err != nil {
		return nil, err
	}
	if width > MaxWidth {
		return nil, fmt.Errorf("%w: image hashing supports at most %d bits, got %d", fingerprint.ErrInvalidWidth, MaxWidth, width)
	}
	if width&(width-1) != 0 {
		return nil, fmt.Errorf("%w: perceptual hash needs a power of two, got %d", fingerprint.ErrInvalidWidth, width)
	}
	// As square as possible: 64 bits is the classic 8x8 window.
	rows := 1 << ((bits.Len(uint(width)) - 1) / 2)
	return &phashExtractor{width: width, cols: width / rows, rows: rows}, nil
}

func (e *phashExtractor) Extract(r io.Reader) (fingerprint.Fingerprint, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return e.ExtractImage(img)
}

func (e *phashExtractor) ExtractImage(img image.Image) (fingerprint.Fingerprint, error) {
	hash, err := goimagehash.ExtPerceptionHash(img, e.cols, e.rows)
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("perception hash: %w", err)
	}
	// Hashes narrower than a word sit in the high bits of the first word.
	words, err := fingerprint.FromWords(hash.GetHash())
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return fingerprint.New(e.width, words.Bytes()[:e.width/8])
}
