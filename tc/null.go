package tc

// NullCoordinator is active when fewer than two engines need cross-engine ordering and the binlog is off. Such
// transactions commit in one phase, so nothing may ever be logged through it.
type NullCoordinator struct{}

var _ Coordinator = NullCoordinator{}

func (NullCoordinator) LogAndOrder(txn *Txn, xid XID, all, needPrepareOrdered, needCommitOrdered bool) (Cookie, error) {
	panic("LogAndOrder called on the null transaction coordinator")
}

func (NullCoordinator) Unlog(Cookie, XID) error {
	return nil
}

func (NullCoordinator) UnlogXaPrepare(*Txn, bool) error {
	return nil
}

func (NullCoordinator) CommitCheckpointNotify(CheckpointCookie) {}

func (NullCoordinator) Close() error {
	return nil
}
