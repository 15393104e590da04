package tc

import (
	"sync"

	"go.uber.org/atomic"
)

// Txn is a session's in-flight transaction. The log subsystem references it but never owns it.
type Txn struct {
	ID uint64
	// XID is set for transactions prepared through XA PREPARE, UnlogXaPrepare logs it.
	XID XID

	engines  []Engine
	records  [][]byte
	incident bool

	// ReadOnly1PC marks a transaction that changed nothing in any engine and commits in one phase.
	ReadOnly1PC bool

	prior    *Txn
	done     chan struct{}
	doneOnce sync.Once
	err      error

	queued atomic.Bool
}

func NewTxn(id uint64, engines ...Engine) *Txn {
	return &Txn{
		ID:      id,
		engines: engines,
		done:    make(chan struct{}),
	}
}

func (t *Txn) Engines() []Engine {
	return t.engines
}

// AppendRecord caches one pending log record. Cached records are written to the binlog in one piece at commit.
func (t *Txn) AppendRecord(rec []byte) {
	t.records = append(t.records, rec)
}

func (t *Txn) Records() [][]byte {
	return t.records
}

func (t *Txn) ResetRecords() {
	t.records = nil
}

// MarkIncident records that the transaction did something that cannot be replicated safely.
func (t *Txn) MarkIncident() {
	t.incident = true
}

func (t *Txn) Incident() bool {
	return t.incident
}

// WaitForPrior makes t commit only after prior finished committing.
func (t *Txn) WaitForPrior(prior *Txn) {
	t.prior = prior
}

// WaitForPriorCommit blocks until the registered prior transaction finished committing and returns its error.
func (t *Txn) WaitForPriorCommit() error {
	p := t.prior
	if p == nil {
		return nil
	}

	<-p.done
	t.prior = nil
	return p.err
}

// WakeupSubsequentCommits releases transactions waiting on t. Only the first call has an effect.
func (t *Txn) WakeupSubsequentCommits(err error) {
	t.doneOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Queued reports whether t currently sits in a group commit queue.
func (t *Txn) Queued() bool {
	return t.queued.Load()
}

func (t *Txn) SetQueued(v bool) {
	t.queued.Store(v)
}
