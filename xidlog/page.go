package xidlog

import (
	"encoding/binary"
	"sync"
)

const xidSize = 8

type pageState int

const (
	// pagePool means every XID on the page is durable; the page may sit in the pool or be active.
	pagePool pageState = iota
	// pageDirty means the page holds XIDs that were not synced yet.
	pageDirty
	// pageError means the last sync failed. The page is never reused until ResetPage.
	pageError
)

func (s pageState) String() string {
	switch s {
	case pagePool:
		return "pool"
	case pageDirty:
		return "dirty"
	case pageError:
		return "error"
	}
	return "unknown"
}

// page is one fixed-size slab of XID slots in the mapped file. All fields except those marked otherwise are
// guarded by mu, which is a leaf lock.
type page struct {
	mu   sync.Mutex
	cond *sync.Cond

	no   int    // page number in the file, 1 based since page 0 is the header
	off  int    // byte offset of the page in the file
	data []byte // slice of the mapping covering this page

	size  int // slots
	free  int
	ptr   int // lowest slot that may be free
	state pageState

	active  bool
	waiters int

	// sync generations: a write needs the first sync that starts after it, requested is the generation the
	// latest write needs, started and finished count syncs of this page.
	requested uint64
	started   uint64
	finished  uint64
	errGen    uint64

	inPool bool // guarded by Log.poolMu
	queued bool // guarded by Log.syncMu
}

func newPage(no, off int, data []byte) *page {
	p := &page{
		no:   no,
		off:  off,
		data: data,
		size: len(data) / xidSize,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < p.size; i++ {
		if p.slot(i) == 0 {
			p.free++
		}
	}
	p.ptr = p.firstFree(0)

	return p
}

func (p *page) slot(i int) uint64 {
	return binary.LittleEndian.Uint64(p.data[i*xidSize:])
}

func (p *page) setSlot(i int, xid uint64) {
	binary.LittleEndian.PutUint64(p.data[i*xidSize:], xid)
}

func (p *page) firstFree(from int) int {
	for i := from; i < p.size; i++ {
		if p.slot(i) == 0 {
			return i
		}
	}
	return p.size
}

// put stores xid in the lowest free slot and returns the slot's byte offset in the file. The page must have a free
// slot.
func (p *page) put(xid uint64) int {
	i := p.firstFree(p.ptr)
	if i == p.size {
		panic("xidlog: put on a full page")
	}

	p.setSlot(i, xid)
	p.free--
	p.ptr = i + 1
	return p.off + i*xidSize
}

// reusable reports whether the page may go back to the pool.
func (p *page) reusable() bool {
	return p.state == pagePool && !p.active && p.free > 0
}

func (p *page) live() []uint64 {
	var res []uint64
	for i := 0; i < p.size; i++ {
		if x := p.slot(i); x != 0 {
			res = append(res, x)
		}
	}
	return res
}
