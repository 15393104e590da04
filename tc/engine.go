package tc

// XID identifies a distributed transaction across all engines. Zero means the transaction has no XID.
type XID uint64

// CheckpointCookie is handed to engines with a checkpoint request and comes back unchanged through
// Coordinator.CommitCheckpointNotify.
type CheckpointCookie any

// Engine is a storage engine participating in a transaction. The callbacks below are optional; a coordinator
// detects them by type assertion.
type Engine interface {
	Name() string
}

// PrepareOrderer is called for every transaction in commit order while the prepare-ordering lock is held.
type PrepareOrderer interface {
	PrepareOrdered(txn *Txn, all bool)
}

// CommitOrderer is called for every transaction in commit order while the commit-ordering lock is held.
type CommitOrderer interface {
	CommitOrdered(txn *Txn, all bool)
}

// CheckpointRequester engines make everything committed so far durable in the background and then call
// Coordinator.CommitCheckpointNotify with the cookie they were given. Engines implementing it do not need their
// transactions to be unlogged.
type CheckpointRequester interface {
	CommitCheckpointRequest(cookie CheckpointCookie)
}

// Recoverer engines take part in crash recovery.
type Recoverer interface {
	// PreparedXIDs lists transactions that are prepared but neither committed nor rolled back.
	PreparedXIDs() ([]XID, error)
	// IsCommitted reports whether the engine already committed xid.
	IsCommitted(xid XID) bool
	CommitByXID(xid XID) error
	RollbackByXID(xid XID) error
}

// XACapable reports whether e can take part in two-phase commit.
func XACapable(e Engine) bool {
	_, ok := e.(Recoverer)
	return ok
}

// CountXACapable returns the number of engines that can take part in two-phase commit.
func CountXACapable(engines []Engine) int {
	n := 0
	for _, e := range engines {
		if XACapable(e) {
			n++
		}
	}
	return n
}

// NeedsUnlog reports whether any of the engines relies on Unlog instead of checkpoint notifications.
func NeedsUnlog(engines []Engine) bool {
	for _, e := range engines {
		if _, ok := e.(CheckpointRequester); !ok {
			return true
		}
	}
	return false
}
