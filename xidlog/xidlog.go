// Package xidlog implements the memory mapped xid log: a fixed-size file of pages holding the XIDs of transactions
// whose commit decision was made but which are not yet committed in every engine. It is the transaction
// coordinator when the binlog is off and more than one engine takes part in two-phase commit.
package xidlog

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"tclog/common"
	"tclog/concurrency"
	"tclog/tc"
)

const (
	headerSize = 16
	version    = 1
)

var magic = [4]byte{'T', 'C', 'L', 'G'}

var osPageSize = os.Getpagesize()

var (
	ErrLogFull   = errors.New("xid log is full")
	ErrPageError = errors.New("xid log page sync failed")
	ErrClosed    = errors.New("xid log is closed")
	ErrBadCookie = errors.New("cookie does not refer to a logged xid")
	ErrNoXID     = errors.New("transaction has no xid")
	errBadHeader = errors.New("not an xid log file")
)

type Options struct {
	// PageSize in bytes, a multiple of 8 and at least 16.
	PageSize int
	// Pages in the file including the header page.
	Pages int
	// OverflowWait bounds how long a writer waits for a free slot once every page is full.
	OverflowWait time.Duration
	// CheckpointBatch is how many unlogged cookies are collected before engines are asked for a checkpoint.
	// Zero means one page worth of cookies.
	CheckpointBatch int
	Engines         []tc.Engine
	Locks           *concurrency.OrderingLocks
	Logger          *zap.Logger

	deps dependencies
}

func DefaultOptions() Options {
	return Options{
		PageSize:     common.TCLogPageSize,
		Pages:        common.TCLogMinPages,
		OverflowWait: common.DefaultOverflowWait,
	}
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = common.TCLogPageSize
	}
	if o.Pages == 0 {
		o.Pages = common.TCLogMinPages
	}
	if o.OverflowWait == 0 {
		o.OverflowWait = common.DefaultOverflowWait
	}
	if o.CheckpointBatch == 0 {
		o.CheckpointBatch = o.PageSize / xidSize
	}
	if o.Locks == nil {
		o.Locks = concurrency.NewOrderingLocks()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.deps == nil {
		o.deps = prodDependencies{}
	}
	return o
}

func (o Options) validate() error {
	if o.PageSize < headerSize || o.PageSize%xidSize != 0 {
		return errors.Errorf("invalid xid log page size %d", o.PageSize)
	}
	if o.Pages < common.TCLogMinPages {
		return errors.Errorf("xid log needs at least %d pages, got %d", common.TCLogMinPages, o.Pages)
	}
	return nil
}

type Stats struct {
	Logged     atomic.Int64
	Syncs      atomic.Int64
	Overflows  atomic.Int64
	PageErrors atomic.Int64
}

type Log struct {
	path     string
	opts     Options
	log      *zap.Logger
	locks    *concurrency.OrderingLocks
	seq      *concurrency.Sequencer
	f        *os.File
	data     []byte
	pageSize int
	pages    []*page

	// activeMu guards the active page index. A writer in overflow holds it while it waits, so nothing that frees
	// a slot may take it.
	activeMu sync.Mutex
	active   int

	// closeMu guards the closed flag and registration in inflight.
	closeMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	// poolMu guards the free-index list. poolEvent is broadcast whenever a page enters the pool.
	poolMu    sync.Mutex
	pool      []int
	poolEvent *common.Event

	// syncMu guards the fifo of pages waiting for a sync and the syncing flag.
	syncMu    sync.Mutex
	syncQueue []int
	syncing   bool

	pendingMu  sync.Mutex
	pending    *pendingCheckpoint
	requesters bool

	needsRecovery bool
	stats         Stats
	deps          dependencies
}

var _ tc.Coordinator = &Log{}

// Open maps the xid log at path, creating it if it does not exist. A file that already exists was left behind by
// a crash and must be passed through RecoverEngines before use.
func Open(path string, opts Options) (*Log, error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open xid log %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "stat"), f.Close())
	}

	existing := st.Size() > 0
	if existing {
		ps, n, err := readHeader(f)
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "xid log %s", path), f.Close())
		}
		opts.PageSize, opts.Pages = ps, n
		if st.Size() < int64(ps*n) {
			return nil, multierr.Append(errors.Errorf("xid log %s is truncated", path), f.Close())
		}
	}

	if err := opts.validate(); err != nil {
		return nil, multierr.Append(err, f.Close())
	}

	size := opts.PageSize * opts.Pages
	if !existing {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, multierr.Append(errors.Wrap(err, "failed to size xid log"), f.Close())
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "mmap"), f.Close())
	}

	if !existing {
		writeHeader(data, opts.PageSize, opts.Pages)
		if err := unix.Msync(data[:opts.PageSize], unix.MS_SYNC); err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "msync header"), unix.Munmap(data), f.Close())
		}
	}

	l := &Log{
		path:          path,
		opts:          opts,
		log:           opts.Logger.Named("xidlog").With(zap.String("path", path)),
		locks:         opts.Locks,
		seq:           concurrency.NewSequencer(),
		f:             f,
		data:          data,
		pageSize:      opts.PageSize,
		active:        -1,
		poolEvent:     common.NewEvent(),
		pending:       newPendingCheckpoint(opts.CheckpointBatch),
		requesters:    hasRequester(opts.Engines),
		needsRecovery: existing,
		deps:          opts.deps,
	}

	for no := 1; no < opts.Pages; no++ {
		off := no * opts.PageSize
		p := newPage(no, off, data[off:off+opts.PageSize])
		l.pages = append(l.pages, p)
		if p.free > 0 {
			p.inPool = true
			l.pool = append(l.pool, no-1)
		}
	}

	l.log.Info("xid log opened",
		zap.Int("page-size", opts.PageSize),
		zap.Int("pages", opts.Pages),
		zap.Bool("needs-recovery", existing))

	return l, nil
}

func hasRequester(engines []tc.Engine) bool {
	for _, e := range engines {
		if _, ok := e.(tc.CheckpointRequester); ok {
			return true
		}
	}
	return false
}

func writeHeader(b []byte, pageSize, pages int) {
	copy(b, magic[:])
	binary.LittleEndian.PutUint32(b[4:], version)
	binary.LittleEndian.PutUint32(b[8:], uint32(pageSize))
	binary.LittleEndian.PutUint32(b[12:], uint32(pages))
}

func readHeader(r io.ReaderAt) (pageSize, pages int, err error) {
	h := make([]byte, headerSize)
	if _, err := r.ReadAt(h, 0); err != nil {
		return 0, 0, errors.Wrap(err, "failed to read xid log header")
	}
	if [4]byte(h[:4]) != magic {
		return 0, 0, errBadHeader
	}
	if v := binary.LittleEndian.Uint32(h[4:]); v != version {
		return 0, 0, errors.Errorf("unsupported xid log version %d", v)
	}

	return int(binary.LittleEndian.Uint32(h[8:])), int(binary.LittleEndian.Uint32(h[12:])), nil
}

// LogAndOrder makes xid durable, then runs the ordered engine callbacks. Commit-ordered callbacks run in the
// order in which prepare-ordered callbacks ran.
func (l *Log) LogAndOrder(txn *tc.Txn, xid tc.XID, all, needPrepareOrdered, needCommitOrdered bool) (cookie tc.Cookie, err error) {
	defer func() { txn.WakeupSubsequentCommits(err) }()

	if err = txn.WaitForPriorCommit(); err != nil {
		return tc.CookieErrorReturn, errors.Wrap(err, "prior transaction failed")
	}
	if xid == 0 {
		return tc.CookieErrorReturn, ErrNoXID
	}

	if !l.enter() {
		return tc.CookieErrorReturn, ErrClosed
	}
	defer l.inflight.Done()

	if cookie, err = l.logOneTransaction(xid); err != nil {
		return tc.CookieErrorReturn, err
	}

	if needPrepareOrdered || needCommitOrdered {
		g := l.locks.LockPrepareOrdered()
		if needPrepareOrdered {
			tc.RunPrepareOrdered(g, txn, all)
		}
		ticket := l.seq.Next(g)
		g.Unlock()

		l.seq.Wait(ticket)
		if needCommitOrdered {
			cg := l.locks.LockCommitOrdered()
			tc.RunCommitOrdered(cg, txn, all)
			cg.Unlock()
		}
		l.seq.Done(ticket)
	}

	return cookie, nil
}

// Unlog releases the slot of cookie. Without checkpoint capable engines the slot is freed at once, otherwise
// cookies are batched and freed when every engine acknowledged a checkpoint covering them.
func (l *Log) Unlog(cookie tc.Cookie, xid tc.XID) error {
	if !cookie.Logged() {
		return tc.ErrNotLogged
	}
	if _, _, err := l.locate(cookie); err != nil {
		return err
	}

	if !l.requesters {
		if !l.enter() {
			return ErrClosed
		}
		defer l.inflight.Done()
		return l.deleteEntry(cookie, xid)
	}

	l.pendingMu.Lock()
	l.pending.entries = append(l.pending.entries, pendingEntry{cookie: cookie, xid: xid})
	var full *pendingCheckpoint
	if len(l.pending.entries) >= l.opts.CheckpointBatch {
		full = l.pending
		l.pending = newPendingCheckpoint(l.opts.CheckpointBatch)
	}
	l.pendingMu.Unlock()

	if full != nil {
		l.requestCheckpoint(full)
	}
	return nil
}

func (l *Log) UnlogXaPrepare(*tc.Txn, bool) error {
	return nil
}

func (l *Log) Stats() *Stats {
	return &l.stats
}

func (l *Log) SlotsPerPage() int {
	return l.pageSize / xidSize
}

func (l *Log) DataPages() int {
	return len(l.pages)
}

// enter registers an in-flight operation. It returns false once the log is closing.
func (l *Log) enter() bool {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	if l.closed {
		return false
	}
	l.inflight.Add(1)
	return true
}

// logOneTransaction writes xid into the active page and waits until the page is synced. The returned cookie is
// the byte offset of the slot in the file.
func (l *Log) logOneTransaction(xid tc.XID) (tc.Cookie, error) {
	var (
		p    *page
		off  int
		gen  uint64
		slot int
	)

	l.activeMu.Lock()
	for {
		for l.active < 0 {
			if err := l.getActiveFromPool(); err != nil {
				l.activeMu.Unlock()
				return tc.CookieErrorReturn, err
			}
		}

		p = l.pages[l.active]
		p.mu.Lock()
		if p.state == pageError || p.free == 0 {
			p.active = false
			p.mu.Unlock()
			l.active = -1
			continue
		}

		off = p.put(uint64(xid))
		slot = (off - p.off) / xidSize
		p.state = pageDirty
		gen = p.started + 1
		p.requested = gen
		p.waiters++
		full := p.free == 0
		if full {
			p.active = false
		}
		p.mu.Unlock()

		if full {
			l.active = -1
		}
		break
	}
	l.activeMu.Unlock()
	l.stats.Logged.Inc()

	if err := l.sync(p, gen); err != nil {
		p.mu.Lock()
		p.setSlot(slot, 0)
		p.free++
		p.mu.Unlock()
		return tc.CookieErrorReturn, err
	}

	return tc.Cookie(off), nil
}

// getActiveFromPool picks the pooled page with the most free slots as the new active page. Caller holds activeMu.
func (l *Log) getActiveFromPool() error {
	l.poolMu.Lock()

	best, bestFree := -1, 0
	for i, idx := range l.pool {
		p := l.pages[idx]
		p.mu.Lock()
		free := p.free
		p.mu.Unlock()

		if free > bestFree {
			best, bestFree = i, free
		}
	}

	if best < 0 {
		l.poolMu.Unlock()
		return l.overflow()
	}

	idx := l.pool[best]
	l.pool[best] = l.pool[len(l.pool)-1]
	l.pool = l.pool[:len(l.pool)-1]

	p := l.pages[idx]
	p.inPool = false
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	l.poolMu.Unlock()

	l.active = idx
	return nil
}

// overflow runs when no page has a free slot. It syncs whatever is queued right away so that those transactions
// can finish and unlog, then waits a bounded time for a slot to be freed. Caller holds activeMu, so only one
// writer at a time waits here. Unlog and checkpoint completion free slots without touching activeMu.
func (l *Log) overflow() error {
	l.stats.Overflows.Inc()
	overflowCounter.Inc()
	l.log.Warn("xid log has no free slot, forcing a sync", zap.Int("pages", len(l.pages)))

	l.syncMu.Lock()
	runner := !l.syncing && len(l.syncQueue) > 0
	if runner {
		l.syncing = true
	}
	l.syncMu.Unlock()
	if runner {
		l.drainSyncQueue()
	}

	deadline := time.NewTimer(l.opts.OverflowWait)
	defer deadline.Stop()

	for {
		l.poolMu.Lock()
		n := len(l.pool)
		ch := l.poolEvent.C()
		l.poolMu.Unlock()

		if n > 0 {
			return nil
		}

		select {
		case <-ch:
		case <-deadline.C:
			return errors.Wrapf(ErrLogFull, "no slot was freed within %v", l.opts.OverflowWait)
		}
	}
}

// sync makes the write of generation gen on p durable. Concurrent callers coalesce: one of them becomes the syncer
// and drains the queue, and every writer whose slot was written before a sync of its page started shares that
// sync's outcome.
func (l *Log) sync(p *page, gen uint64) error {
	l.syncMu.Lock()
	if !p.queued {
		p.mu.Lock()
		covered := p.started >= gen
		p.mu.Unlock()

		if !covered {
			p.queued = true
			l.syncQueue = append(l.syncQueue, p.no-1)
		}
	}
	runner := !l.syncing && len(l.syncQueue) > 0
	if runner {
		l.syncing = true
	}
	l.syncMu.Unlock()

	if runner {
		l.drainSyncQueue()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.finished < gen && p.state != pageError {
		p.cond.Wait()
	}
	p.waiters--

	if p.state == pageError && gen >= p.errGen {
		return errors.Wrapf(ErrPageError, "page %d", p.no)
	}
	return nil
}

func (l *Log) drainSyncQueue() {
	for {
		l.syncMu.Lock()
		if len(l.syncQueue) == 0 {
			l.syncing = false
			l.syncMu.Unlock()
			return
		}

		p := l.pages[l.syncQueue[0]]
		l.syncQueue = l.syncQueue[1:]
		p.queued = false
		l.syncMu.Unlock()

		l.syncPage(p)
	}
}

func (l *Log) syncPage(p *page) {
	p.mu.Lock()
	if p.state == pageError {
		p.cond.Broadcast()
		p.mu.Unlock()
		return
	}
	p.started++
	gen := p.started
	p.mu.Unlock()

	start := time.Now()
	err := l.msync(p)
	syncDuration.Observe(time.Since(start).Seconds())
	syncCounter.Inc()
	l.stats.Syncs.Inc()

	p.mu.Lock()
	p.finished = gen
	if err != nil {
		p.state = pageError
		p.errGen = gen
		p.active = false
	} else if p.requested <= gen {
		p.state = pagePool
	}
	reusable := p.reusable()
	p.cond.Broadcast()
	p.mu.Unlock()

	if err != nil {
		pageErrorCounter.Inc()
		l.stats.PageErrors.Inc()
		l.log.Error("xid log page sync failed", zap.Int("page", p.no), zap.Error(err))
		return
	}

	if reusable {
		l.release(p)
	}
}

func (l *Log) msync(p *page) error {
	if l.deps.disrupt("msync") {
		return errors.New("injected msync failure")
	}

	start := common.AlignDown(p.off, osPageSize)
	return errors.Wrap(unix.Msync(l.data[start:p.off+l.pageSize], unix.MS_SYNC), "msync")
}

// release puts p back into the pool if it is still reusable and wakes writers waiting for a free slot.
func (l *Log) release(p *page) {
	l.poolMu.Lock()
	defer l.poolMu.Unlock()

	p.mu.Lock()
	ok := p.reusable()
	p.mu.Unlock()

	if ok && !p.inPool {
		p.inPool = true
		l.pool = append(l.pool, p.no-1)
	}
	l.poolEvent.Broadcast()
}

func (l *Log) locate(c tc.Cookie) (*page, int, error) {
	off := int(c)
	if off < l.pageSize || off >= len(l.data) || off%xidSize != 0 {
		return nil, 0, errors.Wrapf(ErrBadCookie, "%d", uint64(c))
	}

	p := l.pages[off/l.pageSize-1]
	return p, (off - p.off) / xidSize, nil
}

// deleteEntry vacates the slot of cookie. A non-zero xid must match the slot's content.
func (l *Log) deleteEntry(c tc.Cookie, xid tc.XID) error {
	p, slot, err := l.locate(c)
	if err != nil {
		return err
	}

	p.mu.Lock()
	cur := p.slot(slot)
	if cur == 0 || (xid != 0 && cur != uint64(xid)) {
		p.mu.Unlock()
		return errors.Wrapf(ErrBadCookie, "%d", uint64(c))
	}

	p.setSlot(slot, 0)
	p.free++
	if slot < p.ptr {
		p.ptr = slot
	}
	reusable := p.reusable()
	p.mu.Unlock()

	if reusable {
		l.release(p)
	}
	return nil
}

// ResetPage returns a page that failed to sync to service. Every XID on it is dropped.
func (l *Log) ResetPage(no int) error {
	if no < 1 || no > len(l.pages) {
		return errors.Errorf("no such page %d", no)
	}

	l.activeMu.Lock()
	defer l.activeMu.Unlock()

	p := l.pages[no-1]
	p.mu.Lock()
	if p.state != pageError {
		p.mu.Unlock()
		return errors.Errorf("page %d is %v, not in error", no, p.state)
	}
	for i := 0; i < p.size; i++ {
		p.setSlot(i, 0)
	}
	p.free, p.ptr = p.size, 0
	p.state = pagePool
	p.errGen = 0
	p.requested = p.started
	p.mu.Unlock()

	if err := l.msync(p); err != nil {
		l.log.Warn("failed to sync reset page", zap.Int("page", no), zap.Error(err))
	}

	l.log.Info("xid log page reset", zap.Int("page", no))
	l.release(p)
	return nil
}

// Close waits for in-flight operations and unmaps the file. The file is removed when no XID is left in it, so
// that its presence at the next start means recovery is needed.
func (l *Log) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	l.inflight.Wait()

	live := 0
	for _, p := range l.pages {
		p.mu.Lock()
		live += p.size - p.free
		p.mu.Unlock()
	}

	err := multierr.Combine(errors.Wrap(unix.Munmap(l.data), "munmap"), l.f.Close())
	if err != nil {
		return err
	}

	if live > 0 {
		l.log.Warn("xid log closed with live xids, keeping file for recovery", zap.Int("live", live))
		return nil
	}

	return errors.Wrap(os.Remove(l.path), "failed to remove xid log")
}
