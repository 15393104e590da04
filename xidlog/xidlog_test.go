package xidlog

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"tclog/tc"
)

func makeTmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "xidlog")
	if err != nil {
		panic(err)
	}

	t.Cleanup(func() {
		if err := os.RemoveAll(dir); err != nil {
			t.Fatal(err)
		}
	})
	return dir
}

func tmpLogPath(t *testing.T) string {
	return filepath.Join(makeTmpDir(t), uuid.New().String()+".tc")
}

// failOnce fails the first msync only.
type failOnce struct {
	failed atomic.Bool
}

func (f *failOnce) disrupt(point string) bool {
	return point == "msync" && f.failed.CAS(false, true)
}

type orderEngine struct {
	mu       sync.Mutex
	prepared []uint64
	commited []uint64
}

func (e *orderEngine) Name() string { return "order" }

func (e *orderEngine) PrepareOrdered(txn *tc.Txn, all bool) {
	e.mu.Lock()
	e.prepared = append(e.prepared, txn.ID)
	e.mu.Unlock()
}

func (e *orderEngine) CommitOrdered(txn *tc.Txn, all bool) {
	e.mu.Lock()
	e.commited = append(e.commited, txn.ID)
	e.mu.Unlock()
}

type ckptEngine struct {
	mu      sync.Mutex
	cookies []tc.CheckpointCookie
}

func (e *ckptEngine) Name() string { return "ckpt" }

func (e *ckptEngine) CommitCheckpointRequest(c tc.CheckpointCookie) {
	e.mu.Lock()
	e.cookies = append(e.cookies, c)
	e.mu.Unlock()
}

type prepEngine struct {
	prepared  []tc.XID
	committed map[tc.XID]bool
	result    map[tc.XID]string
}

func newPrepEngine(prepared []tc.XID, committed ...tc.XID) *prepEngine {
	e := &prepEngine{prepared: prepared, committed: map[tc.XID]bool{}, result: map[tc.XID]string{}}
	for _, x := range committed {
		e.committed[x] = true
	}
	return e
}

func (e *prepEngine) Name() string                    { return "prep" }
func (e *prepEngine) PreparedXIDs() ([]tc.XID, error) { return e.prepared, nil }
func (e *prepEngine) IsCommitted(x tc.XID) bool       { return e.committed[x] }
func (e *prepEngine) CommitByXID(x tc.XID) error      { e.result[x] = "commit"; return nil }
func (e *prepEngine) RollbackByXID(x tc.XID) error    { e.result[x] = "rollback"; return nil }

func smallOptions() Options {
	return Options{PageSize: 16, Pages: 3, OverflowWait: 5 * time.Second}
}

func logXID(t *testing.T, l *Log, xid tc.XID) tc.Cookie {
	c, err := l.LogAndOrder(tc.NewTxn(uint64(xid)), xid, true, false, false)
	require.NoError(t, err)
	require.True(t, c.Logged())
	return c
}

func liveCount(l *Log) int {
	return len(l.Recover())
}

func TestOpen_Rejects_Bad_Geometry(t *testing.T) {
	_, err := Open(tmpLogPath(t), Options{PageSize: 12, Pages: 3})
	assert.Error(t, err)

	_, err = Open(tmpLogPath(t), Options{PageSize: 16, Pages: 2})
	assert.Error(t, err)
}

func TestOpen_Fresh_Log_Has_Every_Slot_Free(t *testing.T) {
	l, err := Open(tmpLogPath(t), smallOptions())
	require.NoError(t, err)
	defer l.Close()

	assert.False(t, l.NeedsRecovery())
	assert.Equal(t, 2, l.DataPages())
	assert.Equal(t, 2, l.SlotsPerPage())
	assert.Empty(t, l.Recover())
}

func TestLogAndOrder_Rejects_Zero_XID(t *testing.T) {
	l, err := Open(tmpLogPath(t), smallOptions())
	require.NoError(t, err)
	defer l.Close()

	c, err := l.LogAndOrder(tc.NewTxn(1), 0, true, false, false)
	assert.ErrorIs(t, err, ErrNoXID)
	assert.Equal(t, tc.CookieErrorReturn, c)
}

func TestLog_Overflow_Waits_For_Freed_Slot(t *testing.T) {
	l, err := Open(tmpLogPath(t), smallOptions())
	require.NoError(t, err)
	defer l.Close()

	cookies := make([]tc.Cookie, 0, 4)
	for xid := tc.XID(1); xid <= 4; xid++ {
		cookies = append(cookies, logXID(t, l, xid))
	}
	assert.Len(t, l.Recover(), 4)

	type result struct {
		c   tc.Cookie
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := l.LogAndOrder(tc.NewTxn(5), 5, true, false, false)
		done <- result{c, err}
	}()

	require.Eventually(t, func() bool { return l.Stats().Overflows.Load() == 1 }, 5*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("fifth transaction logged while every slot is taken")
	default:
	}

	require.NoError(t, l.Unlog(cookies[0], 1))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, cookies[0], r.c)
	case <-time.After(5 * time.Second):
		t.Fatal("fifth transaction did not get the freed slot")
	}

	assert.EqualValues(t, 1, l.Stats().Overflows.Load())
	assert.ElementsMatch(t, []tc.XID{2, 3, 4, 5}, l.Recover())
}

func TestLog_Overflow_Gives_Up_After_Wait(t *testing.T) {
	opts := smallOptions()
	opts.OverflowWait = 20 * time.Millisecond
	l, err := Open(tmpLogPath(t), opts)
	require.NoError(t, err)
	defer l.Close()

	for xid := tc.XID(1); xid <= 4; xid++ {
		logXID(t, l, xid)
	}

	c, err := l.LogAndOrder(tc.NewTxn(5), 5, true, false, false)
	assert.Equal(t, tc.CookieErrorReturn, c)
	assert.Equal(t, ErrLogFull, errors.Cause(err))
}

func TestLog_Overflow_With_Concurrent_Writers(t *testing.T) {
	testCases := []struct {
		name string
		// holdUnlog keeps every unlog back until a writer overflowed
		holdUnlog bool
	}{
		{name: "unlog after overflow", holdUnlog: true},
		{name: "unlog right after commit"},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			opts := smallOptions()
			opts.OverflowWait = 5 * time.Second
			l, err := Open(tmpLogPath(t), opts)
			require.NoError(t, err)
			defer l.Close()

			release := make(chan struct{})
			if !tt.holdUnlog {
				close(release)
			}

			var wg sync.WaitGroup
			errs := make([]error, 5)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					xid := tc.XID(i + 1)

					c, err := l.LogAndOrder(tc.NewTxn(uint64(xid)), xid, true, false, false)
					if err != nil {
						errs[i] = err
						return
					}

					<-release
					// the slot must still hold this xid, nothing overwrote it
					errs[i] = l.Unlog(c, xid)
				}(i)
			}

			if tt.holdUnlog {
				require.Eventually(t, func() bool { return l.Stats().Overflows.Load() == 1 }, 5*time.Second, time.Millisecond)
				assert.Len(t, l.Recover(), 4)
				close(release)
			}
			wg.Wait()

			for i, err := range errs {
				assert.NoError(t, err, "xid %d", i+1)
			}
			assert.Empty(t, l.Recover())
			assert.EqualValues(t, 5, l.Stats().Logged.Load())
			if tt.holdUnlog {
				assert.EqualValues(t, 1, l.Stats().Overflows.Load())
			} else {
				assert.LessOrEqual(t, l.Stats().Overflows.Load(), int64(1))
			}
		})
	}
}

func TestLog_Overflow_Freed_By_Checkpoint(t *testing.T) {
	e := &ckptEngine{}
	opts := smallOptions()
	opts.Engines = []tc.Engine{e}
	opts.CheckpointBatch = 1
	l, err := Open(tmpLogPath(t), opts)
	require.NoError(t, err)
	defer l.Close()

	cookies := make([]tc.Cookie, 0, 4)
	for xid := tc.XID(1); xid <= 4; xid++ {
		cookies = append(cookies, logXID(t, l, xid))
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.LogAndOrder(tc.NewTxn(5), 5, true, false, false)
		done <- err
	}()
	require.Eventually(t, func() bool { return l.Stats().Overflows.Load() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, l.Unlog(cookies[2], 3))
	e.mu.Lock()
	require.Len(t, e.cookies, 1)
	ck := e.cookies[0]
	e.mu.Unlock()
	l.CommitCheckpointNotify(ck)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("checkpoint did not free a slot for the waiting writer")
	}
	assert.ElementsMatch(t, []tc.XID{1, 2, 4, 5}, l.Recover())
}

func TestLog_Failed_Sync_Puts_Page_In_Error(t *testing.T) {
	opts := smallOptions()
	opts.deps = &failOnce{}
	l, err := Open(tmpLogPath(t), opts)
	require.NoError(t, err)
	defer l.Close()

	c, err := l.LogAndOrder(tc.NewTxn(1), 1, true, false, false)
	assert.Equal(t, tc.CookieErrorReturn, c)
	assert.Equal(t, ErrPageError, errors.Cause(err))
	assert.EqualValues(t, 1, l.Stats().PageErrors.Load())
	assert.Empty(t, l.Recover())

	// the failed page is skipped, the other one keeps working
	c2 := logXID(t, l, 2)
	failed := l.pages[0]
	failed.mu.Lock()
	assert.Equal(t, pageError, failed.state)
	failed.mu.Unlock()
	assert.GreaterOrEqual(t, int(c2), 2*l.pageSize)

	// the only non-error page now holds one free slot
	logXID(t, l, 3)

	assert.Error(t, l.ResetPage(2))
	require.NoError(t, l.ResetPage(1))

	logXID(t, l, 4)
	assert.ElementsMatch(t, []tc.XID{2, 3, 4}, l.Recover())
}

func TestLog_Pool_Never_Holds_Dirty_Page(t *testing.T) {
	opts := Options{PageSize: 64, Pages: 5}
	l, err := Open(tmpLogPath(t), opts)
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	cookies := map[tc.Cookie]tc.XID{}
	for i := 1; i <= 24; i++ {
		wg.Add(1)
		go func(xid tc.XID) {
			defer wg.Done()
			c := logXID(t, l, xid)

			mu.Lock()
			cookies[c] = xid
			mu.Unlock()

			l.poolMu.Lock()
			for _, idx := range l.pool {
				p := l.pages[idx]
				p.mu.Lock()
				assert.NotEqual(t, pageDirty, p.state)
				p.mu.Unlock()
			}
			l.poolMu.Unlock()

			require.NoError(t, l.Unlog(c, xid))
		}(tc.XID(i))
	}
	wg.Wait()

	assert.Empty(t, l.Recover())
	assert.LessOrEqual(t, l.Stats().Syncs.Load(), l.Stats().Logged.Load())
}

func TestLog_Concurrent_Writers_Get_Distinct_Slots(t *testing.T) {
	l, err := Open(tmpLogPath(t), Options{PageSize: 8192, Pages: 3})
	require.NoError(t, err)
	defer l.Close()

	const n = 200
	var wg sync.WaitGroup
	res := make([]tc.Cookie, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res[i] = logXID(t, l, tc.XID(i+1))
		}(i)
	}
	wg.Wait()

	seen := map[tc.Cookie]bool{}
	for _, c := range res {
		assert.False(t, seen[c])
		seen[c] = true
	}
	assert.Len(t, l.Recover(), n)
}

func TestLogAndOrder_Commit_Order_Follows_Prepare_Order(t *testing.T) {
	e := &orderEngine{}
	l, err := Open(tmpLogPath(t), Options{PageSize: 8192, Pages: 3, Engines: []tc.Engine{e}})
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			_, err := l.LogAndOrder(tc.NewTxn(id, e), tc.XID(id), true, true, true)
			assert.NoError(t, err)
		}(uint64(i))
	}
	wg.Wait()

	assert.Len(t, e.prepared, 100)
	assert.Equal(t, e.prepared, e.commited)
}

func TestLogAndOrder_Waits_For_Prior_Transaction(t *testing.T) {
	e := &orderEngine{}
	l, err := Open(tmpLogPath(t), Options{PageSize: 8192, Pages: 3})
	require.NoError(t, err)
	defer l.Close()

	first, second := tc.NewTxn(1, e), tc.NewTxn(2, e)
	second.WaitForPrior(first)

	done := make(chan error, 1)
	go func() {
		_, err := l.LogAndOrder(second, 2, true, true, true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = l.LogAndOrder(first, 1, true, true, true)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, []uint64{1, 2}, e.commited)
}

func TestUnlog_Rejects_Bad_Cookies(t *testing.T) {
	l, err := Open(tmpLogPath(t), smallOptions())
	require.NoError(t, err)
	defer l.Close()

	assert.ErrorIs(t, l.Unlog(tc.CookieErrorReturn, 1), tc.ErrNotLogged)
	assert.Equal(t, ErrBadCookie, errors.Cause(l.Unlog(tc.Cookie(3), 1)))
	assert.Equal(t, ErrBadCookie, errors.Cause(l.Unlog(tc.Cookie(16*3), 1)))

	c := logXID(t, l, 7)
	assert.Equal(t, ErrBadCookie, errors.Cause(l.Unlog(c, 8)))
	require.NoError(t, l.Unlog(c, 7))
	assert.Equal(t, ErrBadCookie, errors.Cause(l.Unlog(c, 7)))
}

func TestUnlog_Batches_Until_Checkpoint_Is_Acknowledged(t *testing.T) {
	e := &ckptEngine{}
	opts := Options{PageSize: 64, Pages: 3, CheckpointBatch: 2, Engines: []tc.Engine{e}}
	l, err := Open(tmpLogPath(t), opts)
	require.NoError(t, err)
	defer l.Close()

	c1, c2, c3 := logXID(t, l, 1), logXID(t, l, 2), logXID(t, l, 3)

	require.NoError(t, l.Unlog(c1, 1))
	assert.Empty(t, e.cookies)
	assert.Equal(t, 3, liveCount(l))

	require.NoError(t, l.Unlog(c2, 2))
	require.Len(t, e.cookies, 1)
	assert.Equal(t, 3, liveCount(l))

	l.CommitCheckpointNotify(e.cookies[0])
	assert.ElementsMatch(t, []tc.XID{3}, l.Recover())

	require.NoError(t, l.Unlog(c3, 3))
	l.FlushPendingCheckpoint()
	require.Len(t, e.cookies, 2)
	l.CommitCheckpointNotify(e.cookies[1])
	assert.Empty(t, l.Recover())

	assert.Panics(t, func() { l.CommitCheckpointNotify("foreign") })
}

func TestClose_Removes_File_Only_When_Empty(t *testing.T) {
	path := tmpLogPath(t)
	l, err := Open(path, smallOptions())
	require.NoError(t, err)
	c := logXID(t, l, 1)
	require.NoError(t, l.Unlog(c, 1))
	require.NoError(t, l.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	l, err = Open(path, smallOptions())
	require.NoError(t, err)
	logXID(t, l, 2)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRecoverEngines_After_Crash(t *testing.T) {
	path := tmpLogPath(t)
	l, err := Open(path, Options{PageSize: 64, Pages: 3})
	require.NoError(t, err)
	logXID(t, l, 10)
	logXID(t, l, 11)
	require.NoError(t, l.Close())

	// a different page size in options is overridden by the header
	l, err = Open(path, Options{PageSize: 8192, Pages: 3})
	require.NoError(t, err)
	defer l.Close()

	assert.True(t, l.NeedsRecovery())
	assert.Equal(t, 8, l.SlotsPerPage())

	recovered := l.Recover()
	sort.Slice(recovered, func(i, j int) bool { return recovered[i] < recovered[j] })
	assert.Equal(t, []tc.XID{10, 11}, recovered)

	e := newPrepEngine([]tc.XID{10, 12, 13}, 12)
	report, err := l.RecoverEngines([]tc.Engine{e})
	require.NoError(t, err)

	assert.Equal(t, []tc.XID{10}, report.Committed)
	assert.Equal(t, []tc.XID{12}, report.Heuristic)
	assert.Equal(t, []tc.XID{13}, report.RolledBack)
	assert.Equal(t, map[tc.XID]string{10: "commit", 12: "commit", 13: "rollback"}, e.result)

	assert.False(t, l.NeedsRecovery())
	assert.Empty(t, l.Recover())
	logXID(t, l, 20)
}

func TestOpen_Rejects_Foreign_File(t *testing.T) {
	path := tmpLogPath(t)
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0640))

	_, err := Open(path, smallOptions())
	assert.Error(t, err)
}

func TestReadXIDs_Leaves_File_Alone(t *testing.T) {
	path := tmpLogPath(t)
	l, err := Open(path, smallOptions())
	require.NoError(t, err)
	logXID(t, l, 31)
	logXID(t, l, 32)
	require.NoError(t, l.Close())

	xids, err := ReadXIDs(path)
	require.NoError(t, err)
	sort.Slice(xids, func(i, j int) bool { return xids[i] < xids[j] })
	assert.Equal(t, []tc.XID{31, 32}, xids)

	l, err = Open(path, smallOptions())
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, l.NeedsRecovery())

	_, err = ReadXIDs(path + ".missing")
	assert.Error(t, err)
}
