package bwal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	SegmentHeaderSize = 16
	segmentVersion    = 1

	// FlagInUse is set while a writer has the segment open. A segment that still carries it at startup was not
	// closed cleanly.
	FlagInUse uint16 = 1
)

var segmentMagic = [4]byte{'T', 'C', 'B', 'W'}

type SegmentHeader struct {
	Version uint16
	Flags   uint16
	FileID  uint64
}

func (h SegmentHeader) InUse() bool {
	return h.Flags&FlagInUse != 0
}

func writeSegmentHeader(h SegmentHeader, dest []byte) {
	copy(dest, segmentMagic[:])
	binary.BigEndian.PutUint16(dest[4:], h.Version)
	binary.BigEndian.PutUint16(dest[6:], h.Flags)
	binary.BigEndian.PutUint64(dest[8:], h.FileID)
}

func readSegmentHeader(src []byte) (SegmentHeader, error) {
	if len(src) < SegmentHeaderSize || [4]byte(src[:4]) != segmentMagic {
		return SegmentHeader{}, ErrBadSegmentHeader
	}

	h := SegmentHeader{
		Version: binary.BigEndian.Uint16(src[4:]),
		Flags:   binary.BigEndian.Uint16(src[6:]),
		FileID:  binary.BigEndian.Uint64(src[8:]),
	}
	if h.Version != segmentVersion {
		return h, errors.Errorf("unsupported segment version %d", h.Version)
	}
	return h, nil
}

// SegmentWriter appends to the newest segment. It is not safe for concurrent use.
type SegmentWriter struct {
	dir   string
	opts  Options
	sfile BlockFile
	curr  uint64
	// n is the size of the segment up to the last successful write, header included.
	n int64
}

// CreateSegmentWriter starts segment id in dir, marked in use. An existing file with that id is replaced.
func CreateSegmentWriter(dir string, id uint64, opts Options) (*SegmentWriter, error) {
	opts = opts.withDefaults()
	if err := opts.FS.MkdirAll(dir, opts.DirPerms); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", dir)
	}

	w := &SegmentWriter{dir: dir, opts: opts}
	if err := w.create(id); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *SegmentWriter) create(id uint64) error {
	path := filepath.Join(w.dir, segmentToStr(w.opts.BaseName, id))

	f, err := w.opts.FS.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, w.opts.FilePerms)
	if err != nil {
		return errors.Wrapf(err, "failed to create segment %s", path)
	}

	// write segment header first
	headerB := [SegmentHeaderSize]byte{}
	writeSegmentHeader(SegmentHeader{Version: segmentVersion, Flags: FlagInUse, FileID: id}, headerB[:])

	if _, err := f.Write(headerB[:]); err != nil {
		return multierr.Append(errors.Wrapf(err, "failed to write header of %s", path), f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierr.Append(errors.Wrapf(err, "failed to sync header of %s", path), f.Close())
	}

	w.sfile = f
	w.curr = id
	w.n = SegmentHeaderSize
	return nil
}

// Write appends block and returns the offset it starts at. After a failed write the segment may hold a partial
// block beyond Size; Truncate or Rotate drops it.
func (w *SegmentWriter) Write(block []byte) (int64, error) {
	off := w.n
	n, err := w.sfile.Write(block)
	if err != nil {
		return off, errors.Wrapf(err, "failed to write segment %d after %d bytes", w.curr, n)
	}
	if n != len(block) {
		return off, errors.Wrapf(io.ErrShortWrite, "segment %d", w.curr)
	}

	w.n += int64(n)
	return off, nil
}

func (w *SegmentWriter) Sync() error {
	return errors.Wrapf(w.sfile.Sync(), "failed to sync segment %d", w.curr)
}

// Truncate cuts the segment at size, which must not be past the last successful write.
func (w *SegmentWriter) Truncate(size int64) error {
	if size < SegmentHeaderSize || size > w.n {
		return errors.Errorf("cannot truncate segment %d of size %d to %d", w.curr, w.n, size)
	}

	if err := w.sfile.Truncate(size); err != nil {
		return errors.Wrapf(err, "failed to truncate segment %d", w.curr)
	}
	if _, err := w.sfile.Seek(size, io.SeekStart); err != nil {
		return errors.Wrapf(err, "failed to seek segment %d", w.curr)
	}

	w.n = size
	return nil
}

// Rotate closes the current segment cleanly and starts the next one.
func (w *SegmentWriter) Rotate() error {
	if err := w.Truncate(w.n); err != nil {
		return err
	}
	if err := w.close(true); err != nil {
		return err
	}

	return w.create(w.curr + 1)
}

func (w *SegmentWriter) CurrentID() uint64 {
	return w.curr
}

func (w *SegmentWriter) Size() int64 {
	return w.n
}

func (w *SegmentWriter) Name() string {
	return segmentToStr(w.opts.BaseName, w.curr)
}

// Close closes the segment. A clean close clears its in-use flag.
func (w *SegmentWriter) Close(clean bool) error {
	if w.sfile == nil {
		return nil
	}

	return w.close(clean)
}

func (w *SegmentWriter) close(clean bool) error {
	var err error
	if clean {
		err = setFlags(w.sfile, w.curr, 0)
	}
	err = multierr.Combine(err, errors.Wrap(w.sfile.Close(), "close"))
	w.sfile = nil
	return err
}

func setFlags(f BlockFile, id uint64, flags uint16) error {
	headerB := [SegmentHeaderSize]byte{}
	writeSegmentHeader(SegmentHeader{Version: segmentVersion, Flags: flags, FileID: id}, headerB[:])

	if _, err := f.WriteAt(headerB[:], 0); err != nil {
		return errors.Wrapf(err, "failed to rewrite header of segment %d", id)
	}
	return errors.Wrapf(f.Sync(), "failed to sync header of segment %d", id)
}
