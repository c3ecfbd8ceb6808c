package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Offset locates a position within a stream's append log. ReadSeq exists so
// a future log-rotation scheme has somewhere to put a segment generation
// number; today every stream lives in a single segment and ReadSeq is
// always 0. ByteOffset is a byte position in the stream's log: in FileStore
// the position in the segment file (4-byte frame headers included), in
// MemoryStore the number of data bytes written before this position.
//
// The zero-padded "%016d_%016d" rendering is deliberate: it sorts
// lexicographically the same as numerically, so offsets work as bbolt keys
// and HTTP ETags without a custom comparator on the storage side.
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// ZeroOffset is the position before any message has been written.
var ZeroOffset = Offset{}

func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether o is the stream-start position.
func (o Offset) IsZero() bool {
	return o == ZeroOffset
}

// Add advances the offset by n data bytes within the current segment.
func (o Offset) Add(n uint64) Offset {
	o.ByteOffset += n
	return o
}

var offsetPattern = regexp.MustCompile(`^[0-9]+_[0-9]+$`)

// ParseOffset decodes an offset string. The empty string and the "-1"
// sentinel (the client-facing spelling of "start from the beginning") both
// decode to ZeroOffset; anything else must match "digits_digits" exactly,
// rejecting stray whitespace, signs, or extra separators before the
// fields are parsed as unsigned integers.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return ZeroOffset, nil
	}

	if !offsetPattern.MatchString(s) {
		return Offset{}, fmt.Errorf("invalid offset %q: expected format 'readseq_byteoffset'", s)
	}

	readSeqStr, byteOffsetStr, _ := strings.Cut(s, "_")

	readSeq, err := strconv.ParseUint(readSeqStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: readseq: %w", s, err)
	}
	byteOffset, err := strconv.ParseUint(byteOffsetStr, 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: byteoffset: %w", s, err)
	}

	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// Compare orders two offsets: -1 if a precedes b, 0 if equal, 1 if a follows b.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq != b.ReadSeq:
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	case a.ByteOffset != b.ByteOffset:
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// LessThan reports whether o sorts before other.
func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

// LessThanOrEqual reports whether o sorts at or before other.
func (o Offset) LessThanOrEqual(other Offset) bool {
	return Compare(o, other) <= 0
}

// Equal reports whether o and other are the same position.
func (o Offset) Equal(other Offset) bool {
	return o == other
}
