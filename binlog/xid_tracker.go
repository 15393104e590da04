package binlog

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"tclog/common"
)

var _ btree.Item = &xidCount{}

// xidCount is the number of transactions logged in one binlog file that some engine has not committed yet.
type xidCount struct {
	id    uint64
	name  string
	count int64
}

func (x *xidCount) Less(other btree.Item) bool {
	return x.id < other.(*xidCount).id
}

// XidTracker counts, per binlog file, prepared transactions not yet committed in every engine. Crash recovery has
// to scan every file from the oldest one with a non-zero count, so an entry is dropped once its count reaches
// zero, it is the oldest and it is not the current file.
type XidTracker struct {
	mu      sync.Mutex
	files   *btree.BTree
	current uint64
	// changed is broadcast whenever a count changes or the current file moves.
	changed *common.Event
}

func NewXidTracker() *XidTracker {
	return &XidTracker{
		files:   btree.New(8),
		changed: common.NewEvent(),
	}
}

func (t *XidTracker) get(id uint64) *xidCount {
	item := t.files.Get(&xidCount{id: id})
	if item == nil {
		return nil
	}
	return item.(*xidCount)
}

// AddFile makes id the current file. Earlier files whose counts are zero are reclaimed.
func (t *XidTracker) AddFile(id uint64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < t.current {
		panic(fmt.Sprintf("binlog file %d added after %d", id, t.current))
	}

	if t.get(id) == nil {
		t.files.ReplaceOrInsert(&xidCount{id: id, name: name})
	}
	t.current = id
	t.reclaim()
	t.changed.Broadcast()
}

// MarkActive adds n transactions to the count of file id.
func (t *XidTracker) MarkActive(id uint64, n int64) {
	if n == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(id)
	if e == nil {
		panic(fmt.Sprintf("binlog file %d is not tracked", id))
	}
	e.count += n
	t.changed.Broadcast()
}

// MarkDone removes one transaction from the count of file id. advanced is true when files were reclaimed and
// oldest is the oldest file still tracked afterwards.
func (t *XidTracker) MarkDone(id uint64) (oldest uint64, advanced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.get(id)
	if e == nil || e.count <= 0 {
		panic(fmt.Sprintf("xid count of binlog file %d would go negative", id))
	}

	e.count--
	if e.count == 0 {
		advanced = t.reclaim()
	}
	t.changed.Broadcast()

	return t.oldest(), advanced
}

// reclaim drops zero-count entries from the front. Caller holds mu.
func (t *XidTracker) reclaim() bool {
	advanced := false
	for {
		item := t.files.Min()
		if item == nil {
			return advanced
		}

		e := item.(*xidCount)
		if e.id == t.current || e.count != 0 {
			return advanced
		}

		t.files.DeleteMin()
		advanced = true
	}
}

func (t *XidTracker) oldest() uint64 {
	item := t.files.Min()
	if item == nil {
		return t.current
	}
	return item.(*xidCount).id
}

func (t *XidTracker) Count(id uint64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.get(id); e != nil {
		return e.count
	}
	return 0
}

// Oldest is the oldest file recovery would have to scan.
func (t *XidTracker) Oldest() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.oldest()
}

func (t *XidTracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current
}

// Idle reports whether nothing is outstanding: only the current file is tracked and its count is zero.
func (t *XidTracker) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.files.Len() > 1 {
		return false
	}
	e := t.get(t.current)
	return e == nil || e.count == 0
}

// Files returns the tracked file ids in ascending order.
func (t *XidTracker) Files() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]uint64, 0, t.files.Len())
	t.files.Ascend(func(i btree.Item) bool {
		res = append(res, i.(*xidCount).id)
		return true
	})
	return res
}

// Rebuild replaces every entry with counts found by a recovery scan. current is the newest file on disk.
func (t *XidTracker) Rebuild(current uint64, names map[uint64]string, counts map[uint64]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files = btree.New(8)
	for id, n := range counts {
		if n > 0 {
			t.files.ReplaceOrInsert(&xidCount{id: id, name: names[id], count: n})
		}
	}
	if t.get(current) == nil {
		t.files.ReplaceOrInsert(&xidCount{id: current, name: names[current]})
	}
	t.current = current
	t.changed.Broadcast()
}

// Changed returns a channel closed at the next change. Fetch it before checking the condition waited for.
func (t *XidTracker) Changed() <-chan struct{} {
	return t.changed.C()
}
