// Package bwal stores the binary log: numbered segment files in one directory, each a header followed by
// checksummed records. Writes are buffered by LogWriter and become durable only through an explicit sync.
package bwal

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

var (
	ErrAtLast           = errors.New("end of segment is reached")
	ErrNoSegmentFile    = errors.New("there is no segment file")
	ErrCorruptRecord    = errors.New("partial or corrupt record")
	ErrWriterBroken     = errors.New("log writer is broken")
	ErrBadSegmentHeader = errors.New("not a binlog segment")
)

type Options struct {
	// BaseName prefixes every segment file name, segments are named <base>.<id>.
	BaseName string
	// BufferSize is how many bytes LogWriter collects before it spills them to the segment without a sync.
	BufferSize int
	// Perms represents the datafiles modes and permission bits
	DirPerms  os.FileMode
	FilePerms os.FileMode
	FS        FS
}

var DefaultOptions = Options{
	BaseName:   "binlog",
	BufferSize: 1 << 20, // 1 MB before an unsynced spill
	DirPerms:   0750,    // Permissions for the created directories
	FilePerms:  0640,    // Permissions for the created data files
}

func (o Options) withDefaults() Options {
	if o.BaseName == "" {
		o.BaseName = DefaultOptions.BaseName
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultOptions.BufferSize
	}
	if o.DirPerms == 0 {
		o.DirPerms = DefaultOptions.DirPerms
	}
	if o.FilePerms == 0 {
		o.FilePerms = DefaultOptions.FilePerms
	}
	if o.FS == nil {
		o.FS = OSFS()
	}
	return o
}

// Position addresses a record: the segment it is in and its byte offset within that segment.
type Position struct {
	FileID uint64
	Offset int64
}

func (p Position) Less(o Position) bool {
	if p.FileID != o.FileID {
		return p.FileID < o.FileID
	}
	return p.Offset < o.Offset
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.FileID, p.Offset)
}
