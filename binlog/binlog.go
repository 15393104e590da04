// Package binlog is the binary log used as transaction coordinator. Concurrent commits are queued and written by a
// leader in batches covered by a single sync, and engines see ordered callbacks in the order the batch was written.
package binlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tclog/bwal"
	"tclog/common"
	"tclog/concurrency"
	"tclog/tc"
)

const serverVersion = "tclog-1"

var (
	ErrIncident          = errors.New("binlog stream failed, incident logged")
	ErrClosed            = errors.New("binlog is closed")
	ErrQuiescenceTimeout = errors.New("timed out waiting for binlog checkpoints")
	ErrNoXID             = errors.New("transaction has no xid")
)

type Options struct {
	Dir      string
	BaseName string
	// MaxSize is the file size after which the binlog rotates at the end of a group commit.
	MaxSize int64

	// The leader waits up to CommitWait for CommitWaitCount transactions to queue before writing a batch. A
	// transaction in the queue that another one waits for on a lock ends the wait early.
	CommitWaitCount int
	CommitWait      time.Duration

	// SyncPeriod syncs every SyncPeriod-th batch. NoSync leaves syncing to the operating system.
	SyncPeriod int
	NoSync     bool

	ServerID   uint32
	DomainID   uint32
	ServerUUID uuid.UUID

	// CheckpointWait bounds how long Close waits for engines to acknowledge outstanding checkpoints.
	CheckpointWait time.Duration
	BufferSize     int

	Engines []tc.Engine
	Locks   *concurrency.OrderingLocks
	Logger  *zap.Logger

	Cipher      Cipher
	GtidIndex   GtidIndexWriter
	Housekeeper Housekeeper
	AfterSync   AfterSyncHook
	FS          bwal.FS
}

func DefaultOptions() Options {
	return Options{
		BaseName:       "binlog",
		MaxSize:        common.DefaultMaxBinlogSize,
		SyncPeriod:     1,
		ServerID:       1,
		CheckpointWait: common.DefaultCheckpointWait,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseName == "" {
		o.BaseName = d.BaseName
	}
	if o.MaxSize == 0 {
		o.MaxSize = d.MaxSize
	}
	if o.SyncPeriod == 0 {
		o.SyncPeriod = d.SyncPeriod
	}
	if o.CheckpointWait == 0 {
		o.CheckpointWait = d.CheckpointWait
	}
	if o.ServerUUID == uuid.Nil {
		o.ServerUUID = uuid.New()
	}
	if o.Locks == nil {
		o.Locks = concurrency.NewOrderingLocks()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Cipher == nil {
		o.Cipher = nopCipher{}
	}
	if o.GtidIndex == nil {
		o.GtidIndex = nopGtidIndex{}
	}
	if o.Housekeeper == nil {
		o.Housekeeper = nopHousekeeper{}
	}
	if o.AfterSync == nil {
		o.AfterSync = nopAfterSync{}
	}
	return o
}

type Stats struct {
	Commits      atomic.Int64
	GroupCommits atomic.Int64
	Syncs        atomic.Int64
	Incidents    atomic.Int64
	Checkpoints  atomic.Int64
	Rotations    atomic.Int64

	TriggerCount    atomic.Int64
	TriggerTimeout  atomic.Int64
	TriggerLockWait atomic.Int64

	batch *common.Stats
}

// AvgBatchSize is the average number of transactions per group commit.
func (s *Stats) AvgBatchSize() float64 {
	return s.batch.Get("avg_batch_size")
}

type Binlog struct {
	opts  Options
	log   *zap.Logger
	locks *concurrency.OrderingLocks
	fs    *bwal.SegmentFS

	// stageMu is held by a leader for its whole batch, a queued transaction that finds the queue empty waits on it
	// to become the next leader.
	stageMu sync.Mutex

	queueMu    sync.Mutex
	queue      []*commitEntry
	queueEvent *common.Event
	trigger    bool

	// logMu guards the writer and everything below it.
	logMu          sync.Mutex
	lw             *bwal.LogWriter
	batches        int
	lastCommit     bwal.Position
	lastCheckpoint uint64
	closed         bool

	postSyncMu sync.Mutex

	tracker *XidTracker
	ckpt    *checkpointer
	gtidSeq atomic.Uint64
	stats   Stats

	recovery *RecoveryReport
}

var _ tc.Coordinator = &Binlog{}

// checkpointCookie is handed to engines asked for a checkpoint when the binlog rotates away from fileID.
type checkpointCookie struct {
	fileID uint64
}

// Open starts a new binlog file in opts.Dir. When the newest existing file was not closed cleanly the engines are
// recovered against it first, the report is available through Recovery.
func Open(opts Options) (*Binlog, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, errors.New("binlog directory is not set")
	}

	b := &Binlog{
		opts:       opts,
		log:        opts.Logger.Named("binlog").With(zap.String("dir", opts.Dir)),
		locks:      opts.Locks,
		fs:         bwal.NewSegmentFS(opts.Dir, bwal.Options{BaseName: opts.BaseName, BufferSize: opts.BufferSize, FS: opts.FS}),
		queueEvent: common.NewEvent(),
		tracker:    NewXidTracker(),
		stats:      Stats{batch: common.NewStats()},
	}

	next, err := b.recover()
	if err != nil {
		return nil, err
	}

	sw, err := b.fs.CreateSegmentWriter(next)
	if err != nil {
		return nil, err
	}
	b.lw = bwal.NewLogWriter(sw, b.fs.Options().BufferSize)
	b.tracker.AddFile(next, sw.Name())

	if err := b.startFileLocked(); err != nil {
		return nil, multierr.Append(err, sw.Close(false))
	}
	if err := b.lw.Flush(true); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "failed to write binlog file start"), sw.Close(false))
	}
	b.lastCommit = b.lw.Position()

	b.ckpt = newCheckpointer(b)
	b.ckpt.start()

	b.log.Info("binlog opened", zap.String("file", sw.Name()), zap.Uint64("gtid-seq", b.gtidSeq.Load()))
	return b, nil
}

// recover runs crash recovery when needed and returns the id of the file to start.
func (b *Binlog) recover() (uint64, error) {
	last, err := b.fs.LastSegment()
	if errors.Is(err, bwal.ErrNoSegmentFile) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}

	crashed := false
	h, err := b.fs.ReadHeader(last)
	if errors.Is(err, bwal.ErrBadSegmentHeader) {
		// a crash while creating a file leaves it without a whole header
		if _, err = b.fs.Repair(); err != nil {
			return 0, err
		}
		b.log.Warn("removed binlog file without header", zap.Uint64("file", last))

		var prev uint64
		prev, err = b.fs.LastSegment()
		if errors.Is(err, bwal.ErrNoSegmentFile) {
			return last, nil
		}
		if err != nil {
			return 0, err
		}
		last, crashed = prev, true
		h, err = b.fs.ReadHeader(last)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read header of binlog file %d", last)
	}

	if !crashed && !h.InUse() {
		seq, err := lastGtidSeq(b.fs, b.opts.Cipher, last)
		if err != nil {
			return 0, err
		}
		b.gtidSeq.Store(seq)
		return last + 1, nil
	}

	b.log.Warn("binlog was not closed cleanly, recovering", zap.Uint64("file", last))
	cut, err := b.fs.Repair()
	if err != nil {
		return 0, err
	}
	if cut > 0 {
		b.log.Warn("discarded partial record at the end of the binlog", zap.Int64("bytes", cut))
	}

	report, err := Recover(b.fs, b.opts.Cipher, b.tracker, b.opts.Engines, b.log)
	if err != nil {
		return 0, err
	}
	b.recovery = &report
	b.gtidSeq.Store(report.LastGtidSeq)

	if h.InUse() {
		if err := b.fs.MarkClean(last); err != nil {
			return 0, err
		}
	}
	return last + 1, nil
}

// Recovery returns the report of the crash recovery run by Open, or nil when none was needed.
func (b *Binlog) Recovery() *RecoveryReport {
	return b.recovery
}

func (b *Binlog) now() int64 {
	return time.Now().UnixNano()
}

// startFileLocked writes the events that open every file. Caller holds logMu or has not published b yet.
func (b *Binlog) startFileLocked() error {
	fd := &Event{
		Type:       FormatDescriptionEvent,
		ServerID:   b.opts.ServerID,
		Timestamp:  b.now(),
		ServerUUID: b.opts.ServerUUID,
		Version:    serverVersion,
	}
	if _, err := b.lw.Append(encodeEvent(fd)); err != nil {
		return errors.Wrap(err, "failed to write format description")
	}

	oldest := b.tracker.Oldest()
	if _, err := b.appendEvent(&Event{Type: CheckpointEvent, FileID: oldest}); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	b.lastCheckpoint = oldest
	return nil
}

// appendEvent encrypts and appends a standalone event. Caller holds logMu.
func (b *Binlog) appendEvent(e *Event) (bwal.Position, error) {
	e.ServerID = b.opts.ServerID
	e.Timestamp = b.now()

	c := b.opts.Cipher
	pos := b.lw.Position()
	if err := c.Begin(pos); err != nil {
		return pos, err
	}
	enc, err := c.Encrypt(nil, encodeEvent(e))
	if err != nil {
		return pos, multierr.Append(err, c.End())
	}
	if err := c.End(); err != nil {
		return pos, err
	}

	return b.lw.Append(enc)
}

// LogAndOrder writes the transaction's cached records followed by a commit marker, makes them durable together
// with the rest of the batch and runs the ordered engine callbacks in batch order.
func (b *Binlog) LogAndOrder(txn *tc.Txn, xid tc.XID, all, needPrepareOrdered, needCommitOrdered bool) (cookie tc.Cookie, err error) {
	defer func() { txn.WakeupSubsequentCommits(err) }()

	if err = txn.WaitForPriorCommit(); err != nil {
		return tc.CookieErrorReturn, errors.Wrap(err, "prior transaction failed")
	}

	e := newCommitEntry(txn, XidEvent, xid, all)
	e.needUnlog = !e.skip && xid != 0 && tc.NeedsUnlog(txn.Engines())
	e.needPrepareOrdered = needPrepareOrdered
	e.needCommitOrdered = needCommitOrdered

	res := b.groupCommit(e)
	if res.err != nil {
		return tc.CookieErrorReturn, res.err
	}

	if e.needUnlog {
		return tc.MakeCookie(res.fileID, res.delayed), nil
	}
	return tc.DummyCookie(res.delayed), nil
}

// Unlog releases the file count a cookie holds.
func (b *Binlog) Unlog(cookie tc.Cookie, xid tc.XID) error {
	if !cookie.Logged() {
		return tc.ErrNotLogged
	}

	if !cookie.IsDummy() {
		b.markDone(cookie.FileID())
	}

	if cookie.ErrorFlag() {
		return tc.ErrDelayedFailure
	}
	return nil
}

// UnlogXaPrepare writes the events of an XA transaction that finished its prepare phase, ended by an XA prepare
// marker carrying txn.XID.
func (b *Binlog) UnlogXaPrepare(txn *tc.Txn, all bool) error {
	if txn.XID == 0 {
		return ErrNoXID
	}

	res := b.groupCommit(newCommitEntry(txn, XaPrepareEvent, txn.XID, all))
	return res.err
}

// LogRollback writes a rolled back transaction whose changes to non-transactional tables cannot be undone.
func (b *Binlog) LogRollback(txn *tc.Txn) error {
	if len(txn.Records()) == 0 && !txn.Incident() {
		return nil
	}

	res := b.groupCommit(newCommitEntry(txn, RollbackEvent, 0, true))
	return res.err
}

// WriteIncident appends an incident event and syncs it.
func (b *Binlog) WriteIncident(reason string) error {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.repairLocked()

	if err := b.writeIncidentLocked(reason); err != nil {
		return err
	}
	return b.syncLocked()
}

func (b *Binlog) writeIncidentLocked(reason string) error {
	if _, err := b.appendEvent(&Event{Type: IncidentEvent, Payload: []byte(reason)}); err != nil {
		b.log.Error("failed to write incident event", zap.String("reason", reason), zap.Error(err))
		return err
	}

	b.stats.Incidents.Inc()
	incidentCounter.Inc()
	b.log.Warn("incident written to binlog", zap.String("reason", reason))
	return nil
}

func (b *Binlog) syncLocked() error {
	if err := b.lw.Flush(!b.opts.NoSync); err != nil {
		return err
	}
	if !b.opts.NoSync {
		b.stats.Syncs.Inc()
	}
	return nil
}

// repairLocked cuts off whatever a failed write left behind so the stream can be appended to again.
func (b *Binlog) repairLocked() {
	if b.lw.Broken() == nil {
		return
	}

	if err := b.lw.Rewind(b.lw.Mark()); err != nil {
		b.log.Error("failed to repair binlog stream", zap.Error(err))
	}
}

// CommitCheckpointNotify is called by an engine once everything before a checkpoint request is durable in it.
func (b *Binlog) CommitCheckpointNotify(cookie tc.CheckpointCookie) {
	c, ok := cookie.(checkpointCookie)
	if !ok {
		panic("binlog: checkpoint notification with a foreign cookie")
	}

	b.ckpt.notify(c.fileID)
}

// markDone releases one count of file id and has a checkpoint written when recovery no longer needs the oldest
// files.
func (b *Binlog) markDone(id uint64) {
	oldest, advanced := b.tracker.MarkDone(id)
	if advanced {
		b.log.Debug("binlog checkpoint advanced", zap.Uint64("oldest", oldest))
		b.ckpt.advance()
	}
}

// Rotate switches to a new file at once.
func (b *Binlog) Rotate() error {
	b.stageMu.Lock()
	defer b.stageMu.Unlock()

	b.logMu.Lock()
	if b.closed {
		b.logMu.Unlock()
		return ErrClosed
	}
	b.repairLocked()
	prev, rotated, err := b.rotateLocked()
	b.logMu.Unlock()

	if rotated {
		b.requestCheckpoints(prev)
	}
	return err
}

// rotateLocked closes the current file with a Rotate event and starts the next one. Once rotated is set the old
// file holds one count per engine asked for a checkpoint plus one held until all of them were asked, the caller
// has to call requestCheckpoints(prev) after releasing logMu.
func (b *Binlog) rotateLocked() (prev uint64, rotated bool, err error) {
	prev = b.lw.Segment().CurrentID()
	requesters := 0
	for _, e := range b.opts.Engines {
		if _, ok := e.(tc.CheckpointRequester); ok {
			requesters++
		}
	}

	if _, err := b.appendEvent(&Event{Type: RotateEvent, FileID: prev + 1}); err != nil {
		return prev, false, errors.Wrap(err, "failed to write rotate event")
	}
	if err := b.lw.Flush(!b.opts.NoSync); err != nil {
		return prev, false, errors.Wrap(err, "failed to flush before rotation")
	}
	if err := b.lw.Rotate(); err != nil {
		return prev, false, errors.Wrap(err, "failed to rotate binlog")
	}

	b.tracker.MarkActive(prev, int64(requesters+1))
	b.tracker.AddFile(b.lw.Segment().CurrentID(), b.lw.Segment().Name())
	next := b.lw.Segment().CurrentID()
	b.stats.Rotations.Inc()
	b.opts.Housekeeper.Rotated(prev, next)

	if err := b.startFileLocked(); err != nil {
		return prev, true, err
	}
	if err := b.lw.Flush(!b.opts.NoSync); err != nil {
		return prev, true, errors.Wrap(err, "failed to start new binlog file")
	}

	b.log.Info("binlog rotated", zap.Uint64("prev", prev), zap.Uint64("next", next))
	return prev, true, nil
}

func (b *Binlog) requestCheckpoints(prev uint64) {
	tc.RequestCheckpoint(b.opts.Engines, checkpointCookie{fileID: prev}, nil)
	b.markDone(prev)
}

// TriggerImmediateGroupCommit ends the current leader's wait for more transactions.
func (b *Binlog) TriggerImmediateGroupCommit() {
	b.queueMu.Lock()
	b.trigger = true
	b.queueMu.Unlock()
	b.queueEvent.Broadcast()
}

// ReportWaitFor tells the binlog that waiter waits for a lock held by holder. Waiting for a transaction that sits
// in the commit queue ends the leader's wait, holder cannot release its locks before the batch is written.
func (b *Binlog) ReportWaitFor(waiter, holder *tc.Txn) {
	if holder != nil && holder.Queued() {
		b.TriggerImmediateGroupCommit()
	}
}

// LastCommitPos is the end of the last batch written.
func (b *Binlog) LastCommitPos() bwal.Position {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	return b.lastCommit
}

func (b *Binlog) CurrentFileID() uint64 {
	return b.tracker.Current()
}

func (b *Binlog) Tracker() *XidTracker {
	return b.tracker
}

func (b *Binlog) Stats() *Stats {
	return &b.stats
}

// WaitQuiescent waits until no transaction is outstanding in any file and the last checkpoint event names the
// current file.
func (b *Binlog) WaitQuiescent(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ch := b.tracker.Changed()
		ckptCh := b.ckpt.written()

		if b.quiescent() {
			return nil
		}

		select {
		case <-ch:
		case <-ckptCh:
		case <-deadline.C:
			return errors.Wrapf(ErrQuiescenceTimeout, "after %v", timeout)
		}
	}
}

func (b *Binlog) quiescent() bool {
	if !b.tracker.Idle() {
		return false
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()
	return b.lastCheckpoint == b.tracker.Current()
}

// Close waits for outstanding checkpoints, writes a Stop event and closes the file. When the wait times out the
// file keeps its in-use flag, so the next Open runs recovery.
func (b *Binlog) Close() error {
	waitErr := b.WaitQuiescent(b.opts.CheckpointWait)
	if waitErr != nil {
		b.log.Warn("closing binlog with outstanding transactions", zap.Error(waitErr))
	}

	b.ckpt.stop()

	b.stageMu.Lock()
	defer b.stageMu.Unlock()
	b.logMu.Lock()
	defer b.logMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.repairLocked()

	clean := waitErr == nil
	var err error
	if _, err = b.appendEvent(&Event{Type: StopEvent}); err != nil {
		clean = false
	}

	err = multierr.Combine(err, b.opts.GtidIndex.Flush(), b.lw.Close(clean), waitErr)
	b.log.Info("binlog closed", zap.Bool("clean", clean))
	return err
}
