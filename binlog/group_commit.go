package binlog

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tclog/bwal"
	"tclog/tc"
)

type entryResult struct {
	fileID  uint64
	delayed bool
	err     error
}

// commitEntry is one transaction waiting in the group commit queue.
type commitEntry struct {
	txn *tc.Txn
	// end is the marker closing the transaction's events.
	end EventType
	xid tc.XID
	all bool
	// skip is set for read-only one-phase transactions with nothing to write, they only take part in ordering.
	skip bool

	needUnlog          bool
	needPrepareOrdered bool
	needCommitOrdered  bool

	gtid Gtid
	pos  bwal.Position
	res  entryResult
	done chan entryResult
}

func newCommitEntry(txn *tc.Txn, end EventType, xid tc.XID, all bool) *commitEntry {
	return &commitEntry{
		txn:  txn,
		end:  end,
		xid:  xid,
		all:  all,
		skip: end == XidEvent && txn.ReadOnly1PC && len(txn.Records()) == 0 && !txn.Incident(),
		done: make(chan entryResult, 1),
	}
}

// groupCommit queues e and blocks until its batch was written. The transaction that finds the queue empty becomes
// the leader: it waits for the previous leader to finish, optionally waits for more followers, then writes the
// whole queue and hands each follower its result.
func (b *Binlog) groupCommit(e *commitEntry) entryResult {
	b.queueMu.Lock()
	e.txn.SetQueued(true)
	b.queue = append(b.queue, e)
	leader := len(b.queue) == 1
	b.queueMu.Unlock()
	b.queueEvent.Broadcast()

	if !leader {
		return <-e.done
	}

	b.stageMu.Lock()
	b.commitWait()

	b.queueMu.Lock()
	batch := b.queue
	b.queue = nil
	b.trigger = false
	b.queueMu.Unlock()

	b.runBatch(batch)
	b.stageMu.Unlock()

	return <-e.done
}

// commitWait delays the leader until CommitWaitCount transactions are queued, CommitWait elapses or a queued
// transaction blocks another one on a lock.
func (b *Binlog) commitWait() {
	if b.opts.CommitWaitCount <= 1 || b.opts.CommitWait <= 0 {
		return
	}

	deadline := time.NewTimer(b.opts.CommitWait)
	defer deadline.Stop()

	for {
		ch := b.queueEvent.C()

		b.queueMu.Lock()
		n, trigger := len(b.queue), b.trigger
		b.queueMu.Unlock()

		switch {
		case n >= b.opts.CommitWaitCount:
			b.stats.TriggerCount.Inc()
			groupCommitTriggerCounter.WithLabelValues("count").Inc()
			return
		case trigger:
			b.stats.TriggerLockWait.Inc()
			groupCommitTriggerCounter.WithLabelValues("lock_wait").Inc()
			return
		}

		select {
		case <-ch:
		case <-deadline.C:
			b.stats.TriggerTimeout.Inc()
			groupCommitTriggerCounter.WithLabelValues("timeout").Inc()
			return
		}
	}
}

func (b *Binlog) runBatch(batch []*commitEntry) {
	start := time.Now()

	b.logMu.Lock()
	rotatedFrom, rotated := b.writeBatchLocked(batch)
	pos := b.lastCommit
	b.postSyncMu.Lock()
	b.logMu.Unlock()

	b.postSync(pos, batch)
	b.postSyncMu.Unlock()

	flushDuration.Observe(time.Since(start).Seconds())

	b.runOrdered(batch)

	if rotated {
		b.requestCheckpoints(rotatedFrom)
	}

	for _, e := range batch {
		e.txn.SetQueued(false)
		e.done <- e.res
	}
}

// writeBatchLocked appends every entry of the batch and flushes them with one sync. An entry whose events cannot
// be produced fails alone. A write error fails the entry it happened in and every one after it, a failed flush
// fails the whole batch. Either way an incident is written after what survived. Caller holds logMu.
func (b *Binlog) writeBatchLocked(batch []*commitEntry) (rotatedFrom uint64, rotated bool) {
	if b.closed {
		for _, e := range batch {
			e.res.err = ErrClosed
		}
		return 0, false
	}

	b.repairLocked()

	fileID := b.lw.Segment().CurrentID()
	batchStart := b.lw.Mark()
	seqStart := b.gtidSeq.Load()
	var streamErr error

	for _, e := range batch {
		if streamErr != nil {
			e.res.err = errors.Wrap(ErrIncident, streamErr.Error())
			continue
		}
		if e.skip {
			continue
		}

		mark := b.lw.Mark()
		err := b.writeEntryLocked(e)
		if err == nil {
			e.res.fileID = fileID
			continue
		}

		broken := b.lw.Broken() != nil
		if rerr := b.lw.Rewind(mark); rerr != nil {
			err = multierr.Append(err, rerr)
			broken = true
		}

		if !broken {
			b.log.Warn("failed to write transaction to binlog", zap.Uint64("txn", e.txn.ID), zap.Error(err))
			e.res.err = err
			continue
		}

		b.log.Error("binlog write failed", zap.Uint64("txn", e.txn.ID), zap.Error(err))
		streamErr = err
		e.res.err = errors.Wrap(ErrIncident, err.Error())
	}

	b.batches++
	sync := !b.opts.NoSync && b.batches%b.opts.SyncPeriod == 0
	flushErr := b.lw.Flush(sync)
	if flushErr != nil {
		b.log.Error("binlog flush failed", zap.Int("batch", len(batch)), zap.Error(flushErr))
		for _, e := range batch {
			e.res.err = errors.Wrap(ErrIncident, flushErr.Error())
		}
		if err := b.lw.Rewind(batchStart); err != nil {
			b.log.Error("failed to discard failed batch", zap.Error(err))
		}
		b.gtidSeq.Store(seqStart)
	} else if sync {
		b.stats.Syncs.Inc()
	}

	if streamErr != nil || flushErr != nil {
		reason := multierr.Append(streamErr, flushErr).Error()
		if err := b.writeIncidentLocked(reason); err == nil {
			if err := b.syncLocked(); err != nil {
				b.log.Error("failed to sync incident", zap.Error(err))
			}
		}
	}

	var active, committed int64
	for _, e := range batch {
		if e.res.err != nil {
			continue
		}
		committed++
		if e.needUnlog {
			active++
		}
	}
	b.tracker.MarkActive(fileID, active)

	if committed > 0 {
		b.lastCommit = b.lw.Position()
	}
	b.stats.Commits.Add(committed)
	b.stats.GroupCommits.Inc()
	b.stats.batch.Avg("avg_batch_size", float64(len(batch)))
	commitCounter.Add(float64(committed))
	groupCommitCounter.Inc()

	if flushErr != nil || b.lw.Segment().Size() < b.opts.MaxSize {
		return 0, false
	}

	prev, rotated, err := b.rotateLocked()
	if err != nil {
		b.log.Error("binlog rotation failed", zap.Error(err))
	}
	return prev, rotated
}

// writeEntryLocked appends the events of one transaction, encrypted as one unit. The GTID sequence number only
// advances once the whole unit was appended.
func (b *Binlog) writeEntryLocked(e *commitEntry) error {
	c := b.opts.Cipher
	if err := c.Begin(b.lw.Position()); err != nil {
		return err
	}

	err := multierr.Append(b.appendEntryEvents(e), c.End())
	if err != nil {
		return err
	}

	b.gtidSeq.Store(e.gtid.Seq)
	if e.txn.Incident() {
		b.stats.Incidents.Inc()
		incidentCounter.Inc()
	}
	return nil
}

func (b *Binlog) appendEntryEvents(e *commitEntry) error {
	seq := b.gtidSeq.Load() + 1
	e.gtid = Gtid{Domain: b.opts.DomainID, ServerID: b.opts.ServerID, Seq: seq}

	events := make([]*Event, 0, len(e.txn.Records())+3)
	events = append(events, &Event{Type: GtidEvent, Gtid: e.gtid, XID: e.xid})
	for _, rec := range e.txn.Records() {
		events = append(events, &Event{Type: DataEvent, Payload: rec})
	}
	events = append(events, &Event{Type: e.end, XID: e.xid})
	if e.txn.Incident() {
		events = append(events, &Event{Type: IncidentEvent, Payload: []byte("transaction could not be fully logged")})
	}

	ts := b.now()
	for i, ev := range events {
		ev.ServerID = b.opts.ServerID
		ev.Timestamp = ts

		enc, err := b.opts.Cipher.Encrypt(nil, encodeEvent(ev))
		if err != nil {
			return errors.Wrapf(err, "failed to encrypt %v event", ev.Type)
		}

		pos, err := b.lw.Append(enc)
		if err != nil {
			return err
		}
		if i == 0 {
			e.pos = pos
		}
	}

	return nil
}

// postSync runs the after-sync hook and feeds the GTID index. Neither can undo the commit, a failure of the hook is
// reported through the delayed error flag. Caller holds postSyncMu.
func (b *Binlog) postSync(pos bwal.Position, batch []*commitEntry) {
	txns := make([]*tc.Txn, 0, len(batch))
	for _, e := range batch {
		if e.res.err == nil && !e.skip {
			txns = append(txns, e.txn)
		}
	}
	if len(txns) == 0 {
		return
	}

	if err := b.opts.AfterSync.AfterSync(pos, txns); err != nil {
		b.log.Warn("after sync hook failed", zap.Stringer("pos", pos), zap.Error(err))
		for _, e := range batch {
			if e.res.err == nil && !e.skip {
				e.res.delayed = true
			}
		}
	}

	var err error
	for _, e := range batch {
		if e.res.err == nil && !e.skip {
			err = multierr.Append(err, b.opts.GtidIndex.Append(e.pos, e.gtid))
		}
	}
	if err = multierr.Append(err, b.opts.GtidIndex.Flush()); err != nil {
		b.log.Warn("failed to update gtid index", zap.Error(err))
	}
}

// runOrdered calls prepare-ordered then commit-ordered for every written entry, in queue order. The commit lock
// is taken before the prepare lock is released so no other batch can slip in between.
func (b *Binlog) runOrdered(batch []*commitEntry) {
	pg := b.locks.LockPrepareOrdered()
	for _, e := range batch {
		if e.res.err == nil && e.needPrepareOrdered {
			tc.RunPrepareOrdered(pg, e.txn, e.all)
		}
	}

	cg := b.locks.LockCommitOrdered()
	pg.Unlock()
	for _, e := range batch {
		if e.res.err == nil && e.needCommitOrdered {
			tc.RunCommitOrdered(cg, e.txn, e.all)
		}
	}
	cg.Unlock()
}
