package engine

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tclog/tc"
)

var ErrDeadlock = errors.New("deadlock detected")

type LockMode int

const (
	SharedLock LockMode = iota
	ExclusiveLock
)

// WaitReporter learns about lock waits between transactions. The binlog implements it to stop a group commit
// leader from waiting for followers while a queued transaction holds locks somebody needs.
type WaitReporter interface {
	ReportWaitFor(waiter, holder *tc.Txn)
}

type lockRequest struct {
	txn      *tc.Txn
	mode     LockMode
	response chan error
}

type rowLock struct {
	owners         map[uint64]LockMode
	holders        map[uint64]*tc.Txn
	waitQueue      []lockRequest
	waitingWriters int
}

// RowLocks is a row lock table for the in-memory engines. Every wait is reported before the waiter blocks, a
// background routine breaks deadlocks by failing the youngest waiter in a cycle.
type RowLocks struct {
	mu       sync.Mutex
	rows     map[uint64]*rowLock
	reporter WaitReporter
	log      *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

func NewRowLocks(reporter WaitReporter, detectEvery time.Duration, log *zap.Logger) *RowLocks {
	if log == nil {
		log = zap.NewNop()
	}
	l := &RowLocks{
		rows:     map[uint64]*rowLock{},
		reporter: reporter,
		log:      log.Named("locks"),
		stopChan: make(chan struct{}),
	}
	if detectEvery > 0 {
		go l.deadlockDetectorRoutine(detectEvery)
	}
	return l
}

// Lock acquires row in mode for txn, blocking behind earlier waiters. The holders txn waits for are reported
// first.
func (l *RowLocks) Lock(txn *tc.Txn, row uint64, mode LockMode) error {
	l.mu.Lock()
	rl, ok := l.rows[row]
	if !ok {
		rl = &rowLock{owners: map[uint64]LockMode{}, holders: map[uint64]*tc.Txn{}}
		l.rows[row] = rl
	}

	// writers already waiting go first, except for txns that own the row
	_, owns := rl.owners[txn.ID]
	if (owns || rl.waitingWriters == 0) && canAcquire(rl, txn.ID, mode) {
		grant(rl, txn, mode)
		l.mu.Unlock()
		return nil
	}

	req := lockRequest{txn: txn, mode: mode, response: make(chan error, 1)}
	rl.waitQueue = append(rl.waitQueue, req)
	if mode == ExclusiveLock {
		rl.waitingWriters++
	}

	var holders []*tc.Txn
	for id, h := range rl.holders {
		if id != txn.ID {
			holders = append(holders, h)
		}
	}
	l.mu.Unlock()

	if l.reporter != nil {
		for _, h := range holders {
			l.reporter.ReportWaitFor(txn, h)
		}
	}

	return <-req.response
}

// TryLock acquires row only when that needs no wait.
func (l *RowLocks) TryLock(txn *tc.Txn, row uint64, mode LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rows[row]
	if !ok {
		rl = &rowLock{owners: map[uint64]LockMode{}, holders: map[uint64]*tc.Txn{}}
		l.rows[row] = rl
	}
	if rl.waitingWriters > 0 || !canAcquire(rl, txn.ID, mode) {
		return false
	}
	grant(rl, txn, mode)
	return true
}

func (l *RowLocks) Unlock(txn *tc.Txn, row uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.unlockLocked(txn.ID, row)
}

// ReleaseAll drops every lock txn holds, called once it committed or rolled back.
func (l *RowLocks) ReleaseAll(txn *tc.Txn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for row, rl := range l.rows {
		if _, ok := rl.owners[txn.ID]; ok {
			l.unlockLocked(txn.ID, row)
		}
	}
}

func (l *RowLocks) unlockLocked(txID, row uint64) {
	rl, ok := l.rows[row]
	if !ok {
		panic("unlocked non-existing lock")
	}
	if _, ok := rl.owners[txID]; !ok {
		panic("unlocked non-existing lock")
	}

	delete(rl.owners, txID)
	delete(rl.holders, txID)
	grantWaiting(rl)

	if len(rl.owners) == 0 && len(rl.waitQueue) == 0 {
		delete(l.rows, row)
	}
}

// Holders returns the ids of transactions owning row.
func (l *RowLocks) Holders(row uint64) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, ok := l.rows[row]
	if !ok {
		return nil
	}
	res := make([]uint64, 0, len(rl.owners))
	for id := range rl.owners {
		res = append(res, id)
	}
	return res
}

func (l *RowLocks) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

func canAcquire(rl *rowLock, txID uint64, mode LockMode) bool {
	if held, ok := rl.owners[txID]; ok {
		if held == mode || mode == SharedLock {
			return true
		}
		// upgrade is possible only for the sole owner
		return len(rl.owners) == 1
	}

	if len(rl.owners) == 0 {
		return true
	}
	if mode == ExclusiveLock {
		return false
	}
	for _, held := range rl.owners {
		if held == ExclusiveLock {
			return false
		}
	}
	return true
}

func grant(rl *rowLock, txn *tc.Txn, mode LockMode) {
	if held, ok := rl.owners[txn.ID]; ok && held == ExclusiveLock {
		mode = ExclusiveLock
	}
	rl.owners[txn.ID] = mode
	rl.holders[txn.ID] = txn
}

// grantWaiting grants queued requests in order until one conflicts.
func grantWaiting(rl *rowLock) {
	granted := 0
	for _, req := range rl.waitQueue {
		if !canAcquire(rl, req.txn.ID, req.mode) {
			break
		}
		if req.mode == ExclusiveLock {
			rl.waitingWriters--
		}
		grant(rl, req.txn, req.mode)
		req.response <- nil
		granted++
	}
	rl.waitQueue = rl.waitQueue[granted:]
}

func (l *RowLocks) deadlockDetectorRoutine(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.DetectDeadlocks()
		case <-l.stopChan:
			return
		}
	}
}

// DetectDeadlocks breaks every wait cycle it finds by failing the youngest transaction in it. It returns the ids
// of the aborted waiters.
func (l *RowLocks) DetectDeadlocks() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var aborted []uint64
	for {
		cycle := findCycle(l.waitGraphLocked())
		if cycle == nil {
			return aborted
		}

		victim := cycle[0]
		for _, id := range cycle {
			if id > victim {
				victim = id
			}
		}
		l.log.Warn("deadlock detected", zap.Uint64s("txns", cycle), zap.Uint64("victim", victim))
		l.abortLocked(victim)
		aborted = append(aborted, victim)
	}
}

func (l *RowLocks) waitGraphLocked() map[uint64]map[uint64]bool {
	graph := map[uint64]map[uint64]bool{}
	for _, rl := range l.rows {
		for _, req := range rl.waitQueue {
			for owner := range rl.owners {
				if owner == req.txn.ID {
					continue
				}
				if graph[req.txn.ID] == nil {
					graph[req.txn.ID] = map[uint64]bool{}
				}
				graph[req.txn.ID][owner] = true
			}
		}
	}
	return graph
}

// findCycle returns the transactions of some cycle in graph, nil if there is none.
func findCycle(graph map[uint64]map[uint64]bool) []uint64 {
	visited := map[uint64]bool{}
	onStack := map[uint64]bool{}
	var stack []uint64
	var cycle []uint64

	var visit func(id uint64) bool
	visit = func(id uint64) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for next := range graph[id] {
			if onStack[next] {
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						break
					}
				}
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for id := range graph {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

// abortLocked fails every queued request of txID.
func (l *RowLocks) abortLocked(txID uint64) {
	for _, rl := range l.rows {
		kept := rl.waitQueue[:0]
		for _, req := range rl.waitQueue {
			if req.txn.ID != txID {
				kept = append(kept, req)
				continue
			}
			if req.mode == ExclusiveLock {
				rl.waitingWriters--
			}
			req.response <- errors.Wrapf(ErrDeadlock, "txn %d", txID)
		}
		rl.waitQueue = kept
		grantWaiting(rl)
	}
}
