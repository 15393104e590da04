package bwal

import (
	"io"
	"os"
)

type FileInfo struct {
	Size int64
}

// FS is the file system binlog files live on. Tests replace it to inject write and sync failures.
type FS interface {
	Open(name string) (BlockFile, error)
	OpenFile(name string, flag int, perm os.FileMode) (BlockFile, error)
	Remove(name string) error
	// ReadDir lists the regular files of a directory.
	ReadDir(name string) (names []string, err error)
	Stat(name string) (FileInfo, error)
	MkdirAll(name string, perm os.FileMode) error
}

// BlockFile is an open binlog file. Write does not sync, durability is requested explicitly through Sync.
type BlockFile interface {
	io.ReadWriteSeeker
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Sync() error
}

var (
	_ FS        = osFS{}
	_ BlockFile = &os.File{}
)

type osFS struct{}

// OSFS returns the file system of the host.
func OSFS() FS {
	return osFS{}
}

func (osFS) Open(name string) (BlockFile, error) {
	return osFS{}.OpenFile(name, os.O_RDONLY, 0)
}

func (osFS) OpenFile(name string, flag int, perm os.FileMode) (BlockFile, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) Remove(name string) error {
	return os.Remove(name)
}

func (osFS) ReadDir(name string) ([]string, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (osFS) Stat(name string) (FileInfo, error) {
	i, err := os.Stat(name)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: i.Size()}, nil
}

func (osFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(name, perm)
}
