// Package engine has in-memory storage engines that take part in two-phase commit. They keep no data, only the
// state of each XID and the order the coordinator called them in.
package engine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"tclog/tc"
)

var (
	ErrUnknownXID = errors.New("xid is not prepared")
	ErrDuplicate  = errors.New("xid is already prepared")
)

type xidState int

const (
	statePrepared xidState = iota + 1
	stateCommitted
	stateRolledBack
)

// Mem is an in-memory XA capable engine. It records the order of prepare-ordered and commit-ordered calls.
type Mem struct {
	name string

	mu           sync.Mutex
	xids         map[tc.XID]xidState
	prepareOrder []uint64
	commitOrder  []uint64
}

var (
	_ tc.Recoverer      = &Mem{}
	_ tc.PrepareOrderer = &Mem{}
	_ tc.CommitOrderer  = &Mem{}
)

func NewMem(name string) *Mem {
	return &Mem{
		name: name,
		xids: map[tc.XID]xidState{},
	}
}

func (m *Mem) Name() string {
	return m.name
}

func (m *Mem) Prepare(xid tc.XID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.xids[xid]; ok {
		return errors.Wrapf(ErrDuplicate, "xid %d in %s", xid, m.name)
	}
	m.xids[xid] = statePrepared
	return nil
}

func (m *Mem) Commit(xid tc.XID) error {
	return m.resolve(xid, stateCommitted)
}

func (m *Mem) Rollback(xid tc.XID) error {
	return m.resolve(xid, stateRolledBack)
}

func (m *Mem) resolve(xid tc.XID, to xidState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.xids[xid] != statePrepared {
		return errors.Wrapf(ErrUnknownXID, "xid %d in %s", xid, m.name)
	}
	m.xids[xid] = to
	return nil
}

func (m *Mem) PrepareOrdered(txn *tc.Txn, all bool) {
	m.mu.Lock()
	m.prepareOrder = append(m.prepareOrder, txn.ID)
	m.mu.Unlock()
}

func (m *Mem) CommitOrdered(txn *tc.Txn, all bool) {
	m.mu.Lock()
	m.commitOrder = append(m.commitOrder, txn.ID)
	m.mu.Unlock()
}

// PreparedXIDs returns the prepared XIDs in ascending order.
func (m *Mem) PreparedXIDs() ([]tc.XID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []tc.XID
	for x, s := range m.xids {
		if s == statePrepared {
			res = append(res, x)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res, nil
}

func (m *Mem) IsCommitted(xid tc.XID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.xids[xid] == stateCommitted
}

func (m *Mem) IsRolledBack(xid tc.XID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.xids[xid] == stateRolledBack
}

func (m *Mem) CommitByXID(xid tc.XID) error {
	return m.Commit(xid)
}

func (m *Mem) RollbackByXID(xid tc.XID) error {
	return m.Rollback(xid)
}

// MarkCommitted puts xid straight into the committed state, as if the engine committed it before a crash.
func (m *Mem) MarkCommitted(xid tc.XID) {
	m.mu.Lock()
	m.xids[xid] = stateCommitted
	m.mu.Unlock()
}

func (m *Mem) PrepareOrder() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint64(nil), m.prepareOrder...)
}

func (m *Mem) CommitOrder() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint64(nil), m.commitOrder...)
}

// CheckpointingMem is a Mem that makes its commits durable in the background instead of relying on Unlog. With
// Async set it holds checkpoint requests until Flush.
type CheckpointingMem struct {
	*Mem
	Async bool

	notifier tc.Coordinator
	pending  []tc.CheckpointCookie
	requests int
}

var _ tc.CheckpointRequester = &CheckpointingMem{}

func NewCheckpointingMem(name string, async bool) *CheckpointingMem {
	return &CheckpointingMem{Mem: NewMem(name), Async: async}
}

// SetCoordinator sets who is notified when a checkpoint completes.
func (m *CheckpointingMem) SetCoordinator(c tc.Coordinator) {
	m.mu.Lock()
	m.notifier = c
	m.mu.Unlock()
}

func (m *CheckpointingMem) CommitCheckpointRequest(cookie tc.CheckpointCookie) {
	m.mu.Lock()
	m.requests++
	if m.Async || m.notifier == nil {
		m.pending = append(m.pending, cookie)
		m.mu.Unlock()
		return
	}
	c := m.notifier
	m.mu.Unlock()

	c.CommitCheckpointNotify(cookie)
}

// Flush completes every pending checkpoint request and returns how many there were.
func (m *CheckpointingMem) Flush() int {
	m.mu.Lock()
	pending, c := m.pending, m.notifier
	m.pending = nil
	m.mu.Unlock()

	for _, cookie := range pending {
		c.CommitCheckpointNotify(cookie)
	}
	return len(pending)
}

func (m *CheckpointingMem) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

func (m *CheckpointingMem) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests
}
