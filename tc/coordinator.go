// Package tc defines the two-phase commit coordinator contract shared by the binlog and the memory mapped xid log.
package tc

import (
	"github.com/pkg/errors"

	"tclog/concurrency"
)

var (
	// ErrNotLogged is returned by Unlog for the failure sentinel.
	ErrNotLogged = errors.New("transaction was not logged")
	// ErrDelayedFailure is returned by Unlog when the transaction became durable but a later step failed.
	ErrDelayedFailure = errors.New("transaction committed with a delayed error")
)

// Coordinator makes the commit decision of a two-phase commit durable and fixes the commit order across engines.
type Coordinator interface {
	// LogAndOrder durably logs xid and runs the ordered engine callbacks that are asked for. It waits for the prior
	// transaction registered on txn before doing anything. On failure it returns CookieErrorReturn and no ordered
	// callback was run for txn.
	LogAndOrder(txn *Txn, xid XID, all, needPrepareOrdered, needCommitOrdered bool) (Cookie, error)

	// Unlog releases the bookkeeping of a cookie returned by LogAndOrder once the engines committed. It must be
	// called exactly once per logged cookie.
	Unlog(cookie Cookie, xid XID) error

	// UnlogXaPrepare records that an XA transaction finished its prepare phase.
	UnlogXaPrepare(txn *Txn, all bool) error

	// CommitCheckpointNotify is called by an engine once everything before a checkpoint request is durable in it.
	CommitCheckpointNotify(cookie CheckpointCookie)

	Close() error
}

// RunPrepareOrdered invokes the ordered-prepare callback of every engine taking part in txn. The guard proves the
// caller holds the prepare-ordering lock; callers invoke it in commit order.
func RunPrepareOrdered(g *concurrency.PrepareOrderedGuard, txn *Txn, all bool) {
	if !g.Held() {
		panic("RunPrepareOrdered called without holding the prepare-ordering lock")
	}

	for _, e := range txn.Engines() {
		if p, ok := e.(PrepareOrderer); ok {
			p.PrepareOrdered(txn, all)
		}
	}
}

// RunCommitOrdered invokes the ordered-commit callback of every engine taking part in txn. The guard proves the
// caller holds the commit-ordering lock; callers invoke it in commit order.
func RunCommitOrdered(g *concurrency.CommitOrderedGuard, txn *Txn, all bool) {
	if !g.Held() {
		panic("RunCommitOrdered called without holding the commit-ordering lock")
	}

	for _, e := range txn.Engines() {
		if c, ok := e.(CommitOrderer); ok {
			c.CommitOrdered(txn, all)
		}
	}
}

// RequestCheckpoint asks every engine implementing CheckpointRequester for a checkpoint and returns how many
// engines were asked. before is called for each such engine ahead of its request.
func RequestCheckpoint(engines []Engine, cookie CheckpointCookie, before func()) int {
	n := 0
	for _, e := range engines {
		if r, ok := e.(CheckpointRequester); ok {
			if before != nil {
				before()
			}
			r.CommitCheckpointRequest(cookie)
			n++
		}
	}
	return n
}
