package bwal

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// SegmentFS manages the segments of one directory.
type SegmentFS struct {
	dir  string
	opts Options
}

func NewSegmentFS(dir string, opts Options) *SegmentFS {
	return &SegmentFS{dir: dir, opts: opts.withDefaults()}
}

func (s *SegmentFS) Dir() string {
	return s.dir
}

func (s *SegmentFS) Options() Options {
	return s.opts
}

// Name is the file name of segment id, without the directory.
func (s *SegmentFS) Name(id uint64) string {
	return segmentToStr(s.opts.BaseName, id)
}

func (s *SegmentFS) path(id uint64) string {
	return filepath.Join(s.dir, segmentToStr(s.opts.BaseName, id))
}

// Segments lists segment ids in ascending order. A missing directory has no segments.
func (s *SegmentFS) Segments() ([]uint64, error) {
	entries, err := s.opts.FS.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list %s", s.dir)
	}

	var res []uint64
	for _, entry := range entries {
		if id, err := segmentNameToSegment(s.opts.BaseName, entry); err == nil {
			res = append(res, id)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res, nil
}

func (s *SegmentFS) LastSegment() (uint64, error) {
	segs, err := s.Segments()
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, ErrNoSegmentFile
	}

	return segs[len(segs)-1], nil
}

func (s *SegmentFS) OpenSegmentReader(id uint64) (*SegmentReader, error) {
	path := s.path(id)
	i, err := s.opts.FS.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}

	f, err := s.opts.FS.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	r, err := newSegmentReader(f, i.Size)
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "segment %s", path), f.Close())
	}
	return r, nil
}

func (s *SegmentFS) ReadHeader(id uint64) (SegmentHeader, error) {
	r, err := s.OpenSegmentReader(id)
	if err != nil {
		return SegmentHeader{}, err
	}

	return r.Header(), r.Close()
}

func (s *SegmentFS) CreateSegmentWriter(id uint64) (*SegmentWriter, error) {
	return CreateSegmentWriter(s.dir, id, s.opts)
}

// MarkClean clears the in-use flag of a segment left behind by a crash.
func (s *SegmentFS) MarkClean(id uint64) error {
	f, err := s.opts.FS.OpenFile(s.path(id), os.O_RDWR, s.opts.FilePerms)
	if err != nil {
		return errors.Wrapf(err, "failed to open segment %d", id)
	}

	return multierr.Append(setFlags(f, id, 0), f.Close())
}

// Repair cuts a partial or corrupt record off the tail of the newest segment. It returns the number of bytes
// removed. A newest segment too short to hold a header, left by a crash while creating it, is deleted.
func (s *SegmentFS) Repair() (int64, error) {
	id, err := s.LastSegment()
	if err != nil {
		if errors.Is(err, ErrNoSegmentFile) {
			return 0, nil
		}
		return 0, err
	}

	path := s.path(id)
	i, err := s.opts.FS.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %s", path)
	}
	if i.Size < SegmentHeaderSize {
		return i.Size, errors.Wrapf(s.opts.FS.Remove(path), "failed to remove uninitialized segment %s", path)
	}

	r, err := s.OpenSegmentReader(id)
	if err != nil {
		return 0, err
	}

	for {
		_, _, err = r.Next()
		if err != nil {
			break
		}
	}
	end := r.Offset()
	if err := r.Close(); err != nil {
		return 0, err
	}

	if errors.Is(err, ErrAtLast) {
		return 0, nil
	}
	if !errors.Is(err, ErrCorruptRecord) {
		return 0, errors.Wrapf(err, "segment %s cannot be repaired", path)
	}

	f, err := s.opts.FS.OpenFile(path, os.O_RDWR, s.opts.FilePerms)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", path)
	}
	if err := f.Truncate(end); err != nil {
		return 0, multierr.Append(errors.Wrapf(err, "failed to truncate %s", path), f.Close())
	}
	if err := f.Sync(); err != nil {
		return 0, multierr.Append(errors.Wrapf(err, "failed to sync %s", path), f.Close())
	}

	return i.Size - end, f.Close()
}

// Remove deletes every segment with an id lower than before and returns how many were deleted.
func (s *SegmentFS) Remove(before uint64) (int, error) {
	segs, err := s.Segments()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range segs {
		if id >= before {
			break
		}
		if err := s.opts.FS.Remove(s.path(id)); err != nil {
			return n, errors.Wrapf(err, "failed to delete segment %d", id)
		}
		n++
	}

	return n, nil
}
