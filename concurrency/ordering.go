// Package concurrency holds the global ordering locks shared by every transaction coordinator of one service.
//
// Lock acquisition order, outermost first:
//
//	group commit stage -> prepare-ordering -> commit-ordering -> per-log -> post-sync -> checkpoint-list
//
// Page locks of the memory mapped xid log are leaves: nothing is acquired while one is held.
package concurrency

import (
	"sync"

	"go.uber.org/atomic"
)

// OrderingLocks serializes ordered-prepare and ordered-commit engine callbacks across all committing sessions.
type OrderingLocks struct {
	prepare sync.Mutex
	commit  sync.Mutex
}

func NewOrderingLocks() *OrderingLocks {
	return &OrderingLocks{}
}

// PrepareOrderedGuard proves that the prepare-ordering lock is held. It can only be obtained from
// LockPrepareOrdered.
type PrepareOrderedGuard struct {
	l    *OrderingLocks
	held atomic.Bool
}

func (l *OrderingLocks) LockPrepareOrdered() *PrepareOrderedGuard {
	l.prepare.Lock()
	g := &PrepareOrderedGuard{l: l}
	g.held.Store(true)
	return g
}

func (g *PrepareOrderedGuard) Held() bool {
	return g != nil && g.held.Load()
}

func (g *PrepareOrderedGuard) Unlock() {
	if !g.held.CAS(true, false) {
		panic("prepare-ordering lock released twice")
	}
	g.l.prepare.Unlock()
}

// CommitOrderedGuard proves that the commit-ordering lock is held. It can only be obtained from
// LockCommitOrdered.
type CommitOrderedGuard struct {
	l    *OrderingLocks
	held atomic.Bool
}

func (l *OrderingLocks) LockCommitOrdered() *CommitOrderedGuard {
	l.commit.Lock()
	g := &CommitOrderedGuard{l: l}
	g.held.Store(true)
	return g
}

func (g *CommitOrderedGuard) Held() bool {
	return g != nil && g.held.Load()
}

func (g *CommitOrderedGuard) Unlock() {
	if !g.held.CAS(true, false) {
		panic("commit-ordering lock released twice")
	}
	g.l.commit.Unlock()
}
