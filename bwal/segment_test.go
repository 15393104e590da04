package bwal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSegmentFS(dir string) *SegmentFS {
	return NewSegmentFS(dir, Options{BaseName: "test-bin"})
}

func TestSegmentNames(t *testing.T) {
	assert.Equal(t, "binlog.000042", segmentToStr("binlog", 42))

	id, err := segmentNameToSegment("binlog", "binlog.000042")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = segmentNameToSegment("binlog", "binlog.index")
	assert.Error(t, err)
	_, err = segmentNameToSegment("binlog", "other.000001")
	assert.Error(t, err)
}

func TestSegmentFS_Segments(t *testing.T) {
	t.Run("missing directory has no segments", func(t *testing.T) {
		s := openSegmentFS(filepath.Join(makeTmpDir(t), "nope"))
		segs, err := s.Segments()
		assert.NoError(t, err)
		assert.Empty(t, segs)

		_, err = s.LastSegment()
		assert.ErrorIs(t, err, ErrNoSegmentFile)
	})

	t.Run("segments are listed in id order and foreign files are ignored", func(t *testing.T) {
		dir := makeTmpDir(t)
		s := openSegmentFS(dir)

		for _, id := range []uint64{3, 1, 2} {
			w, err := s.CreateSegmentWriter(id)
			require.NoError(t, err)
			require.NoError(t, w.Close(true))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "test-bin.index"), []byte("x"), 0640))

		segs, err := s.Segments()
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, segs)

		last, err := s.LastSegment()
		require.NoError(t, err)
		assert.EqualValues(t, 3, last)

		n, err := s.Remove(3)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		segs, err = s.Segments()
		require.NoError(t, err)
		assert.Equal(t, []uint64{3}, segs)
	})
}

func TestSegmentWriter_InUse_Flag(t *testing.T) {
	dir := makeTmpDir(t)
	s := openSegmentFS(dir)

	w, err := s.CreateSegmentWriter(1)
	require.NoError(t, err)

	h, err := s.ReadHeader(1)
	require.NoError(t, err)
	assert.True(t, h.InUse())
	assert.EqualValues(t, 1, h.FileID)

	require.NoError(t, w.Rotate())
	assert.EqualValues(t, 2, w.CurrentID())
	assert.Equal(t, "test-bin.000002", w.Name())

	h, err = s.ReadHeader(1)
	require.NoError(t, err)
	assert.False(t, h.InUse(), "rotated segment is closed cleanly")

	h, err = s.ReadHeader(2)
	require.NoError(t, err)
	assert.True(t, h.InUse())

	// a crash leaves the flag set
	require.NoError(t, w.Close(false))
	h, err = s.ReadHeader(2)
	require.NoError(t, err)
	assert.True(t, h.InUse())

	require.NoError(t, s.MarkClean(2))
	h, err = s.ReadHeader(2)
	require.NoError(t, err)
	assert.False(t, h.InUse())
}

func TestSegmentReader_Rejects_Foreign_File(t *testing.T) {
	dir := makeTmpDir(t)
	s := openSegmentFS(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test-bin.000001"), make([]byte, 64), 0640))

	_, err := s.ReadHeader(1)
	assert.ErrorIs(t, err, ErrBadSegmentHeader)
}

func TestSegmentWriter_Truncate(t *testing.T) {
	dir := makeTmpDir(t)
	w, err := openSegmentFS(dir).CreateSegmentWriter(1)
	require.NoError(t, err)
	defer w.Close(true)

	off, err := w.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.EqualValues(t, SegmentHeaderSize, off)
	assert.EqualValues(t, SegmentHeaderSize+100, w.Size())

	assert.Error(t, w.Truncate(w.Size()+1))
	assert.Error(t, w.Truncate(SegmentHeaderSize-1))

	require.NoError(t, w.Truncate(SegmentHeaderSize+10))
	off, err = w.Write([]byte{1})
	require.NoError(t, err)
	assert.EqualValues(t, SegmentHeaderSize+10, off)

	st, err := os.Stat(filepath.Join(dir, w.Name()))
	require.NoError(t, err)
	assert.EqualValues(t, SegmentHeaderSize+11, st.Size())
}
