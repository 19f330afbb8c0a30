package fingerprint

import "fmt"

// Describes how a fingerprint width is cut into contiguous sub-signatures.
// Block i covers bits [Start(i), Start(i+1)); sizes differ by at most one bit.
type Partition struct {
	width  int
	blocks int
}

// Creates a partition of width bits into the given number of blocks.
func NewPartition(width, blocks int) (Partition, error) {
	if err := ValidateWidth(width); err != nil {
		return Partition{}, err
	}
	if blocks <= 0 || blocks > width {
		return Partition{}, fmt.Errorf("block count %d out of range [1, %d]", blocks, width)
	}
	return Partition{width: width, blocks: blocks}, nil
}

// Blocks returns the number of sub-signatures.
func (p Partition) Blocks() int { return p.blocks }

// Width returns the fingerprint width the partition was built for.
func (p Partition) Width() int { return p.width }

// Start returns the first bit of block i. Start(Blocks()) == Width().
func (p Partition) Start(i int) int {
	return i * p.width / p.blocks
}

// Signature returns the packed bits of block i of f, usable as a map key.
// Two fingerprints agree on block i exactly when their signatures are equal.
func (p Partition) Signature(f Fingerprint, i int) string {
	start, end := p.Start(i), p.Start(i+1)
	if start%8 == 0 && end%8 == 0 {
		return f.data[start/8 : end/8]
	}
	n := end - start
	out := make([]byte, (n+7)/8)
	for j := 0; j < n; j++ {
		if f.Bit(start + j) {
			out[j/8] |= 0x80 >> (j % 8)
		}
	}
	return string(out)
}

// Signatures returns every block signature of f in block order.
func (p Partition) Signatures(f Fingerprint) []string {
	sigs := make([]string, p.blocks)
	for i := range sigs {
		sigs[i] = p.Signature(f, i)
	}
	return sigs
}
