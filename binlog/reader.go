package binlog

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"tclog/bwal"
)

// FileReader reads the events of one binlog file. The format description opening a file is never encrypted, every
// other event goes through the cipher.
type FileReader struct {
	r      *bwal.SegmentReader
	cipher Cipher
	n      int
}

func OpenFileReader(fs *bwal.SegmentFS, id uint64, cipher Cipher) (*FileReader, error) {
	if cipher == nil {
		cipher = nopCipher{}
	}

	r, err := fs.OpenSegmentReader(id)
	if err != nil {
		return nil, err
	}
	return &FileReader{r: r, cipher: cipher}, nil
}

// Next returns the next event and where it starts. It returns bwal.ErrAtLast after the last event.
func (f *FileReader) Next() (*Event, bwal.Position, error) {
	data, pos, err := f.r.Next()
	if err != nil {
		return nil, pos, err
	}

	if f.n > 0 {
		data, err = f.cipher.Decrypt(pos, data)
		if err != nil {
			return nil, pos, errors.Wrapf(err, "failed to decrypt event at %v", pos)
		}
	}
	f.n++

	e, err := decodeEvent(data)
	if err != nil {
		return nil, pos, errors.Wrapf(err, "at %v", pos)
	}
	return e, pos, nil
}

func (f *FileReader) Header() bwal.SegmentHeader {
	return f.r.Header()
}

func (f *FileReader) Close() error {
	return f.r.Close()
}

// ReadFile calls fn for every event of file id, in order.
func ReadFile(fs *bwal.SegmentFS, id uint64, cipher Cipher, fn func(e *Event, pos bwal.Position) error) (err error) {
	r, err := OpenFileReader(fs, id, cipher)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, r.Close()) }()

	for {
		e, pos, err := r.Next()
		if errors.Is(err, bwal.ErrAtLast) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e, pos); err != nil {
			return err
		}
	}
}

// ReadEvents calls fn for every event of every file starting at file from.
func ReadEvents(fs *bwal.SegmentFS, from uint64, cipher Cipher, fn func(e *Event, pos bwal.Position) error) error {
	segs, err := fs.Segments()
	if err != nil {
		return err
	}

	for _, id := range segs {
		if id < from {
			continue
		}
		if err := ReadFile(fs, id, cipher, fn); err != nil {
			return err
		}
	}
	return nil
}
