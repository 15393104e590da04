package bwal

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const RecordHeaderSize = 12

type RecordHeader struct {
	Size     uint32
	Checksum uint64
}

func writeRecordHeader(h RecordHeader, dest []byte) {
	binary.BigEndian.PutUint32(dest, h.Size)
	binary.BigEndian.PutUint64(dest[4:], h.Checksum)
}

func readRecordHeader(src []byte) RecordHeader {
	return RecordHeader{
		Size:     binary.BigEndian.Uint32(src),
		Checksum: binary.BigEndian.Uint64(src[4:]),
	}
}

// LogWriter frames records and collects them in memory until Flush. When the buffer fills up it is spilled to the
// segment without a sync. A failed write breaks the writer: every call fails with ErrWriterBroken until the
// stream is rewound to a point before the failure or rotated.
//
// LogWriter is not safe for concurrent use, the binlog serializes access under its log lock.
type LogWriter struct {
	w   *SegmentWriter
	buf []byte
	max int
	// base is the segment offset buf starts at.
	base   int64
	broken error
}

func NewLogWriter(w *SegmentWriter, bufSize int) *LogWriter {
	return &LogWriter{
		w:    w,
		buf:  make([]byte, 0, bufSize),
		max:  bufSize,
		base: w.Size(),
	}
}

// Append frames payload and returns where the record starts.
func (l *LogWriter) Append(payload []byte) (Position, error) {
	if l.broken != nil {
		return Position{}, errors.Wrap(ErrWriterBroken, l.broken.Error())
	}

	size := RecordHeaderSize + len(payload)
	if len(l.buf) > 0 && len(l.buf)+size > l.max {
		if err := l.spill(); err != nil {
			return Position{}, err
		}
	}

	pos := Position{FileID: l.w.CurrentID(), Offset: l.base + int64(len(l.buf))}

	var h [RecordHeaderSize]byte
	writeRecordHeader(RecordHeader{Size: uint32(len(payload)), Checksum: xxhash.Checksum64(payload)}, h[:])
	l.buf = append(l.buf, h[:]...)
	l.buf = append(l.buf, payload...)

	return pos, nil
}

// Mark returns the current end of the stream in the current segment.
func (l *LogWriter) Mark() int64 {
	return l.base + int64(len(l.buf))
}

// Rewind drops everything appended after mark. Rewinding past bytes already spilled truncates the segment, which
// also repairs a broken writer.
func (l *LogWriter) Rewind(mark int64) error {
	if mark >= l.base {
		if mark > l.Mark() {
			return errors.Errorf("rewind to %d is past the end of the stream %d", mark, l.Mark())
		}
		l.buf = l.buf[:mark-l.base]
		if l.broken == nil {
			return nil
		}

		// a failed spill may have left a partial block behind base
		if err := l.w.Truncate(l.base); err != nil {
			return err
		}
		l.broken = nil
		return nil
	}

	if err := l.w.Truncate(mark); err != nil {
		return err
	}

	l.buf = l.buf[:0]
	l.base = mark
	l.broken = nil
	return nil
}

func (l *LogWriter) spill() error {
	if _, err := l.w.Write(l.buf); err != nil {
		l.broken = err
		return errors.Wrap(ErrWriterBroken, err.Error())
	}

	l.base += int64(len(l.buf))
	l.buf = l.buf[:0]
	return nil
}

// Flush writes the buffered records to the segment and syncs it when sync is set.
func (l *LogWriter) Flush(sync bool) error {
	if l.broken != nil {
		return errors.Wrap(ErrWriterBroken, l.broken.Error())
	}

	if len(l.buf) > 0 {
		if err := l.spill(); err != nil {
			return err
		}
	}

	if !sync {
		return nil
	}

	if err := l.w.Sync(); err != nil {
		l.broken = err
		return errors.Wrap(ErrWriterBroken, err.Error())
	}
	return nil
}

// Broken returns the error that broke the writer, or nil.
func (l *LogWriter) Broken() error {
	return l.broken
}

// Rotate drops anything not yet written, closes the segment cleanly and starts the next one.
func (l *LogWriter) Rotate() error {
	if err := l.w.Rotate(); err != nil {
		l.broken = err
		return err
	}

	l.buf = l.buf[:0]
	l.base = l.w.Size()
	l.broken = nil
	return nil
}

// Position is the end of the stream, buffered records included.
func (l *LogWriter) Position() Position {
	return Position{FileID: l.w.CurrentID(), Offset: l.Mark()}
}

func (l *LogWriter) Segment() *SegmentWriter {
	return l.w
}

// Close flushes what is buffered and closes the segment. The in-use flag is cleared only when clean is set and
// the flush succeeded.
func (l *LogWriter) Close(clean bool) error {
	err := l.Flush(true)
	return multierr.Append(err, l.w.Close(clean && err == nil))
}
