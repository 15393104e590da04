package xidlog

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"tclog/tc"
)

type pendingEntry struct {
	cookie tc.Cookie
	xid    tc.XID
}

// pendingCheckpoint is a batch of unlogged cookies whose slots are freed once every checkpoint capable engine
// acknowledged a checkpoint requested after they were unlogged.
type pendingCheckpoint struct {
	entries []pendingEntry
	count   atomic.Int32
}

func newPendingCheckpoint(capacity int) *pendingCheckpoint {
	return &pendingCheckpoint{entries: make([]pendingEntry, 0, capacity)}
}

func (l *Log) requestCheckpoint(b *pendingCheckpoint) {
	// the extra reference keeps an engine that answers synchronously from freeing the batch before every engine
	// was asked
	b.count.Store(1)
	tc.RequestCheckpoint(l.opts.Engines, b, func() { b.count.Inc() })
	l.checkpointDone(b)
}

// CommitCheckpointNotify is called by an engine for a batch it was asked to checkpoint.
func (l *Log) CommitCheckpointNotify(cookie tc.CheckpointCookie) {
	b, ok := cookie.(*pendingCheckpoint)
	if !ok {
		panic("xidlog: checkpoint notification with a foreign cookie")
	}
	l.checkpointDone(b)
}

func (l *Log) checkpointDone(b *pendingCheckpoint) {
	if b.count.Dec() != 0 {
		return
	}

	if !l.enter() {
		l.log.Warn("xid log closed before checkpoint completed", zap.Int("cookies", len(b.entries)))
		return
	}
	defer l.inflight.Done()

	for _, e := range b.entries {
		if err := l.deleteEntry(e.cookie, e.xid); err != nil {
			l.log.Error("failed to free xid slot", zap.Uint64("cookie", uint64(e.cookie)), zap.Error(err))
		}
	}
}

// FlushPendingCheckpoint requests a checkpoint for the cookies unlogged so far without waiting for a full batch.
func (l *Log) FlushPendingCheckpoint() {
	l.pendingMu.Lock()
	b := l.pending
	l.pending = newPendingCheckpoint(l.opts.CheckpointBatch)
	l.pendingMu.Unlock()

	if len(b.entries) > 0 {
		l.requestCheckpoint(b)
	}
}
