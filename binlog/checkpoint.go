package binlog

import (
	"sync"

	"go.uber.org/zap"

	"tclog/common"
)

// checkpointNotify is an engine's acknowledgement of the checkpoint requested when the binlog left fileID.
type checkpointNotify struct {
	fileID uint64
}

// checkpointAdvance asks for a Checkpoint event naming the oldest file still tracked.
type checkpointAdvance struct{}

// checkpointer writes Checkpoint events in the background. Engines may acknowledge a checkpoint from inside the
// request, in a context where taking the log lock is not allowed, so acknowledgements are handed to a worker.
type checkpointer struct {
	b      *Binlog
	worker *common.Worker
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	event *common.Event
}

func newCheckpointer(b *Binlog) *checkpointer {
	c := &checkpointer{b: b, event: common.NewEvent()}
	c.worker = common.NewWorker("binlog-checkpoint", &c.wg)
	return c
}

func (c *checkpointer) start() {
	c.worker.Start(c)
}

func (c *checkpointer) Handle(t common.Task) {
	switch t := t.(type) {
	case checkpointNotify:
		if _, advanced := c.b.tracker.MarkDone(t.fileID); advanced {
			c.writeCheckpoint()
		}
	case checkpointAdvance:
		c.writeCheckpoint()
	default:
		c.b.log.Error("unexpected checkpoint task", zap.Any("task", t))
	}
}

func (c *checkpointer) notify(fileID uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stopped {
		// the file is released, its Checkpoint event is left to the next open
		c.b.tracker.MarkDone(fileID)
		return
	}
	c.worker.Sender() <- checkpointNotify{fileID: fileID}
}

func (c *checkpointer) advance() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.stopped {
		c.worker.Sender() <- checkpointAdvance{}
	}
}

// written returns a channel closed after the next Checkpoint event is written.
func (c *checkpointer) written() <-chan struct{} {
	return c.event.C()
}

func (c *checkpointer) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.worker.Stop()
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *checkpointer) writeCheckpoint() {
	b := c.b

	b.logMu.Lock()
	oldest := b.tracker.Oldest()
	if b.closed || oldest == b.lastCheckpoint {
		b.logMu.Unlock()
		return
	}

	b.repairLocked()
	_, err := b.appendEvent(&Event{Type: CheckpointEvent, FileID: oldest})
	if err == nil {
		err = b.lw.Flush(!b.opts.NoSync)
	}
	if err != nil {
		b.logMu.Unlock()
		b.log.Error("failed to write binlog checkpoint", zap.Uint64("oldest", oldest), zap.Error(err))
		return
	}
	b.lastCheckpoint = oldest
	b.logMu.Unlock()

	b.stats.Checkpoints.Inc()
	checkpointCounter.Inc()
	b.opts.Housekeeper.SafeToPurge(oldest)
	b.log.Debug("binlog checkpoint written", zap.Uint64("oldest", oldest))

	c.event.Broadcast()
}
