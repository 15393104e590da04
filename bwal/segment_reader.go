package bwal

import (
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// SegmentReader iterates the records of one segment.
type SegmentReader struct {
	id     uint64
	f      BlockFile
	header SegmentHeader
	size   int64
	// off is where the next record starts, which is also the end of the last good record.
	off int64
}

func newSegmentReader(f BlockFile, size int64) (*SegmentReader, error) {
	headerB := [SegmentHeaderSize]byte{}
	n, err := f.ReadAt(headerB[:], 0)
	if n != SegmentHeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrBadSegmentHeader
		}
		return nil, errors.Wrap(err, "failed to read segment header")
	}

	h, err := readSegmentHeader(headerB[:])
	if err != nil {
		return nil, err
	}

	return &SegmentReader{
		id:     h.FileID,
		f:      f,
		header: h,
		size:   size,
		off:    SegmentHeaderSize,
	}, nil
}

func (r *SegmentReader) Header() SegmentHeader {
	return r.header
}

// Offset is the end of the last record returned by Next.
func (r *SegmentReader) Offset() int64 {
	return r.off
}

// Seek positions the reader at a record boundary previously returned by Next or Offset.
func (r *SegmentReader) Seek(off int64) error {
	if off < SegmentHeaderSize || off > r.size {
		return errors.Errorf("offset %d is out of segment %d bounds", off, r.id)
	}

	r.off = off
	return nil
}

// Next returns the next record and its position. It returns ErrAtLast at the end of the segment and
// ErrCorruptRecord when the remaining bytes do not form a whole record with a matching checksum.
func (r *SegmentReader) Next() ([]byte, Position, error) {
	pos := Position{FileID: r.id, Offset: r.off}
	if r.off == r.size {
		return nil, pos, ErrAtLast
	}
	if r.size-r.off < RecordHeaderSize {
		return nil, pos, errors.Wrapf(ErrCorruptRecord, "truncated header at %v", pos)
	}

	headerB := [RecordHeaderSize]byte{}
	if _, err := r.f.ReadAt(headerB[:], r.off); err != nil {
		return nil, pos, errors.Wrapf(err, "failed to read record header at %v", pos)
	}

	h := readRecordHeader(headerB[:])
	end := r.off + RecordHeaderSize + int64(h.Size)
	if end > r.size {
		return nil, pos, errors.Wrapf(ErrCorruptRecord, "truncated record at %v", pos)
	}

	res := make([]byte, h.Size)
	if _, err := r.f.ReadAt(res, r.off+RecordHeaderSize); err != nil {
		return nil, pos, errors.Wrapf(err, "failed to read record at %v", pos)
	}
	if xxhash.Checksum64(res) != h.Checksum {
		return nil, pos, errors.Wrapf(ErrCorruptRecord, "checksum mismatch at %v", pos)
	}

	r.off = end
	return res, pos, nil
}

func (r *SegmentReader) Close() error {
	return r.f.Close()
}
