package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// A segment file is a flat sequence of frames: a 4-byte big-endian length
// prefix followed by that many data bytes, with no separators between
// frames. A JSON stream's batch append writes one frame per array element;
// any other content type writes one frame per POST body.

const (
	SegmentFileName = "data.seg"

	frameHeaderSize = 4

	// MaxMessageSize bounds a single frame so a corrupted length prefix
	// can't make a reader try to allocate gigabytes.
	MaxMessageSize = 64 * 1024 * 1024
)

// LengthPrefixSize is the on-disk size of a frame's length header.
const LengthPrefixSize = frameHeaderSize

var (
	ErrMessageTooLarge  = errors.New("message too large")
	ErrCorruptedSegment = errors.New("corrupted segment file")
)

// WriteMessage frames data onto w and reports the total bytes written,
// header included.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	written, err := w.Write(header[:])
	if err != nil {
		return written, err
	}
	n, err := w.Write(data)
	return written + n, err
}

// ReadMessage reads one frame from r, or returns io.EOF (possibly wrapped
// by io.ReadFull as io.ErrUnexpectedEOF for a partial header) once the
// stream is exhausted.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	frameLen := binary.BigEndian.Uint32(header[:])
	if frameLen > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SegmentReader streams frames out of a segment file starting at an
// arbitrary byte offset, translating each frame boundary into an Offset.
type SegmentReader struct {
	file   *os.File
	buf    *bufio.Reader
	offset uint64
}

const segmentReadBufferSize = 64 * 1024

func NewSegmentReader(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{
		file: file,
		buf:  bufio.NewReaderSize(file, segmentReadBufferSize),
	}, nil
}

// SeekToOffset repositions the reader at an absolute byte offset in the
// underlying file, discarding any buffered data read past that point.
func (r *SegmentReader) SeekToOffset(byteOffset uint64) error {
	if _, err := r.file.Seek(int64(byteOffset), io.SeekStart); err != nil {
		return err
	}
	r.buf.Reset(r.file)
	r.offset = byteOffset
	return nil
}

// ReadMessages decodes every complete frame from startOffset to EOF and
// reports the offset immediately after the last one read.
func (r *SegmentReader) ReadMessages(startOffset Offset) ([]Message, Offset, error) {
	if err := r.SeekToOffset(startOffset.ByteOffset); err != nil {
		return nil, startOffset, err
	}

	cursor := startOffset
	var messages []Message

	for {
		data, err := ReadMessage(r.buf)
		if errors.Is(err, io.EOF) {
			return messages, cursor, nil
		}
		if err != nil {
			return messages, cursor, err
		}

		cursor = cursor.Add(uint64(frameHeaderSize + len(data)))
		messages = append(messages, Message{Data: data, Offset: cursor})
	}
}

func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// SegmentWriter appends frames to a segment file, tracking the write
// cursor so CurrentOffset needs no extra stat call.
type SegmentWriter struct {
	file   *os.File
	offset uint64
}

func NewSegmentWriter(path string) (*SegmentWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &SegmentWriter{file: file, offset: uint64(info.Size())}, nil
}

// WriteMessage appends a single frame and returns the offset just past it.
func (w *SegmentWriter) WriteMessage(data []byte) (Offset, error) {
	n, err := WriteMessage(w.file, data)
	if err != nil {
		return Offset{}, err
	}
	w.offset += uint64(n)
	return Offset{ByteOffset: w.offset}, nil
}

// WriteMessages appends each element of messages as its own frame under a
// single pass, for JSON-array batch appends.
func (w *SegmentWriter) WriteMessages(messages [][]byte) (Offset, error) {
	for _, data := range messages {
		n, err := WriteMessage(w.file, data)
		if err != nil {
			return Offset{}, err
		}
		w.offset += uint64(n)
	}
	return Offset{ByteOffset: w.offset}, nil
}

func (w *SegmentWriter) Sync() error {
	return w.file.Sync()
}

func (w *SegmentWriter) Close() error {
	return w.file.Close()
}

func (w *SegmentWriter) CurrentOffset() Offset {
	return Offset{ByteOffset: w.offset}
}

// ScanSegment walks a segment file frame by frame to recompute the true
// write offset after an unclean shutdown. It stops at the first frame it
// cannot fully decode (truncated header, truncated body, or an
// over-sized length prefix) rather than erroring, since that first bad
// frame is exactly the data a crash mid-write would have left behind; a
// missing file scans as ZeroOffset rather than an error since that's
// indistinguishable from a stream that never had data written.
func ScanSegment(path string) (Offset, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroOffset, nil
		}
		return Offset{}, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset uint64

	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			break
		}

		frameLen := binary.BigEndian.Uint32(header[:])
		if frameLen > MaxMessageSize {
			break
		}

		skipped, err := reader.Discard(int(frameLen))
		if err != nil || uint32(skipped) != frameLen {
			break
		}

		offset += uint64(frameHeaderSize) + uint64(frameLen)
	}

	return Offset{ByteOffset: offset}, nil
}

func CreateSegmentFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	return file.Close()
}

func SegmentFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
