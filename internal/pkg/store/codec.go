package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"dupcheck/internal/pkg/fingerprint"
	"dupcheck/internal/pkg/models"
)

const (
	logMagic       = "DUPWAL01"
	snapshotMagic  = "DUPSNAP1"
	formatVersion  = 1
	logHeaderSize  = 16 // magic(8) version(4) width(4)
	snapHeaderSize = 48 // magic(8) version(4) width(4) marker(8) nextGen(8) count(8) flags(4) crc(4)

	// crc(4) id(8) insertedAt(8) length(2)
	entryHeaderSize = 22

	snapshotFlagZstd = 1
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Errors produced while decoding a single entry. A torn entry at the tail of
// the newest generation is the normal result of a crash mid-append.
var (
	errTornEntry   = errors.New("torn log entry")
	errBadChecksum = errors.New("log entry checksum mismatch")
)

// Encodes rec as a framed entry:
// [CRC32C: 4] [ID: 8] [InsertedAt unix nanos: 8] [Length: 2] [Fingerprint: Length]
// The checksum covers everything after itself.
func encodeEntry(rec models.Record, width int) ([]byte, error) {
	if rec.Fingerprint.Width() != width {
		return nil, fmt.Errorf("%w: log holds %d-bit fingerprints, got %d", fingerprint.ErrWidthMismatch, width, rec.Fingerprint.Width())
	}
	fp := rec.Fingerprint.Bytes()
	buf := make([]byte, entryHeaderSize+len(fp))
	binary.LittleEndian.PutUint64(buf[4:12], rec.ID)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(rec.InsertedAt.UnixNano()))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(len(fp)))
	copy(buf[entryHeaderSize:], fp)
	binary.LittleEndian.PutUint32(buf[0:4], crc32.Checksum(buf[4:], crc32cTable))
	return buf, nil
}

// Reads one entry. Returns io.EOF only on a clean entry boundary.
func decodeEntry(r io.Reader, width int) (models.Record, int64, error) {
	var head [entryHeaderSize]byte
	n, err := io.ReadFull(r, head[:])
	if err == io.EOF {
		return models.Record{}, 0, io.EOF
	}
	if err != nil {
		return models.Record{}, int64(n), errTornEntry
	}

	length := int(binary.LittleEndian.Uint16(head[20:22]))
	if length*8 != width {
		// A length that disagrees with the width can only be garbage.
		return models.Record{}, int64(n), errBadChecksum
	}
	body := make([]byte, length)
	m, err := io.ReadFull(r, body)
	if err != nil {
		return models.Record{}, int64(n + m), errTornEntry
	}

	crc := crc32.New(crc32cTable)
	crc.Write(head[4:])
	crc.Write(body)
	if crc.Sum32() != binary.LittleEndian.Uint32(head[0:4]) {
		return models.Record{}, int64(n + m), errBadChecksum
	}

	fp, err := fingerprint.New(width, body)
	if err != nil {
		return models.Record{}, int64(n + m), err
	}
	return models.Record{
		ID:          binary.LittleEndian.Uint64(head[4:12]),
		Fingerprint: fp,
		InsertedAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(head[12:20]))).UTC(),
	}, int64(n + m), nil
}

func encodeLogHeader(width int) []byte {
	buf := make([]byte, logHeaderSize)
	copy(buf[0:8], logMagic)
	binary.LittleEndian.PutUint32(buf[8:12], formatVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(width))
	return buf
}

func checkLogHeader(buf []byte, width int) error {
	if string(buf[0:8]) != logMagic {
		return fmt.Errorf("%w: invalid log magic %q", ErrCorrupt, buf[0:8])
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != formatVersion {
		return fmt.Errorf("%w: log version %d (expected %d)", ErrCorrupt, v, formatVersion)
	}
	if w := int(binary.LittleEndian.Uint32(buf[12:16])); w != width {
		return fmt.Errorf("%w: log written with %d-bit fingerprints, configured %d", fingerprint.ErrWidthMismatch, w, width)
	}
	return nil
}

// Snapshot header. Marker is the highest record id folded into the snapshot;
// NextGeneration is the first log generation the snapshot does not cover.
type snapshotHeader struct {
	Width          int
	Marker         uint64
	NextGeneration uint64
	Count          uint64
	Compressed     bool
}

func (h snapshotHeader) encode() []byte {
	buf := make([]byte, snapHeaderSize)
	copy(buf[0:8], snapshotMagic)
	binary.LittleEndian.PutUint32(buf[8:12], formatVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Width))
	binary.LittleEndian.PutUint64(buf[16:24], h.Marker)
	binary.LittleEndian.PutUint64(buf[24:32], h.NextGeneration)
	binary.LittleEndian.PutUint64(buf[32:40], h.Count)
	var flags uint32
	if h.Compressed {
		flags |= snapshotFlagZstd
	}
	binary.LittleEndian.PutUint32(buf[40:44], flags)
	binary.LittleEndian.PutUint32(buf[44:48], crc32.Checksum(buf[:44], crc32cTable))
	return buf
}

func decodeSnapshotHeader(buf []byte, width int) (snapshotHeader, error) {
	if string(buf[0:8]) != snapshotMagic {
		return snapshotHeader{}, fmt.Errorf("%w: invalid snapshot magic %q", ErrCorrupt, buf[0:8])
	}
	if crc32.Checksum(buf[:44], crc32cTable) != binary.LittleEndian.Uint32(buf[44:48]) {
		return snapshotHeader{}, fmt.Errorf("%w: snapshot header checksum mismatch", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != formatVersion {
		return snapshotHeader{}, fmt.Errorf("%w: snapshot version %d (expected %d)", ErrCorrupt, v, formatVersion)
	}
	h := snapshotHeader{
		Width:          int(binary.LittleEndian.Uint32(buf[12:16])),
		Marker:         binary.LittleEndian.Uint64(buf[16:24]),
		NextGeneration: binary.LittleEndian.Uint64(buf[24:32]),
		Count:          binary.LittleEndian.Uint64(buf[32:40]),
		Compressed:     binary.LittleEndian.Uint32(buf[40:44])&snapshotFlagZstd != 0,
	}
	if h.Width != width {
		return snapshotHeader{}, fmt.Errorf("%w: snapshot written with %d-bit fingerprints, configured %d", fingerprint.ErrWidthMismatch, h.Width, width)
	}
	return h, nil
}
