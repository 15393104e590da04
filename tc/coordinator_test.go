package tc

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tclog/concurrency"
)

type recordingEngine struct {
	name string
	mu   sync.Mutex
	seen []string
}

func (e *recordingEngine) Name() string { return e.name }

func (e *recordingEngine) PrepareOrdered(txn *Txn, all bool) {
	e.mu.Lock()
	e.seen = append(e.seen, "prepare")
	e.mu.Unlock()
}

func (e *recordingEngine) CommitOrdered(txn *Txn, all bool) {
	e.mu.Lock()
	e.seen = append(e.seen, "commit")
	e.mu.Unlock()
}

type plainEngine struct{}

func (plainEngine) Name() string { return "plain" }

type checkpointEngine struct{ asked int }

func (e *checkpointEngine) Name() string                            { return "ckpt" }
func (e *checkpointEngine) CommitCheckpointRequest(CheckpointCookie) { e.asked++ }

func TestRunOrdered_Calls_Every_Engine_That_Wants_It(t *testing.T) {
	e1, e2 := &recordingEngine{name: "a"}, &recordingEngine{name: "b"}
	txn := NewTxn(1, e1, plainEngine{}, e2)
	locks := concurrency.NewOrderingLocks()

	pg := locks.LockPrepareOrdered()
	RunPrepareOrdered(pg, txn, true)
	pg.Unlock()

	cg := locks.LockCommitOrdered()
	RunCommitOrdered(cg, txn, true)
	cg.Unlock()

	assert.Equal(t, []string{"prepare", "commit"}, e1.seen)
	assert.Equal(t, []string{"prepare", "commit"}, e2.seen)
}

func TestRunOrdered_Panics_Without_Lock(t *testing.T) {
	txn := NewTxn(1, &recordingEngine{})
	locks := concurrency.NewOrderingLocks()

	assert.Panics(t, func() { RunPrepareOrdered(nil, txn, true) })
	assert.Panics(t, func() { RunCommitOrdered(nil, txn, true) })

	g := locks.LockCommitOrdered()
	g.Unlock()
	assert.Panics(t, func() { RunCommitOrdered(g, txn, true) })
	assert.Panics(t, func() { g.Unlock() })
}

func TestNullCoordinator(t *testing.T) {
	var c Coordinator = NullCoordinator{}

	assert.Panics(t, func() { _, _ = c.LogAndOrder(NewTxn(1), 1, true, true, true) })
	assert.NoError(t, c.Unlog(MakeCookie(1, false), 1))
	assert.NoError(t, c.UnlogXaPrepare(NewTxn(1), true))
	assert.NotPanics(t, func() { c.CommitCheckpointNotify(nil) })
	assert.NoError(t, c.Close())
}

func TestTxn_Waits_For_Prior_Commit(t *testing.T) {
	prior, next := NewTxn(1), NewTxn(2)
	next.WaitForPrior(prior)

	done := make(chan error, 1)
	go func() { done <- next.WaitForPriorCommit() }()

	select {
	case <-done:
		t.Fatal("returned before prior committed")
	case <-time.After(20 * time.Millisecond):
	}

	failure := errors.New("prior failed")
	prior.WakeupSubsequentCommits(failure)
	prior.WakeupSubsequentCommits(nil)

	select {
	case err := <-done:
		require.ErrorIs(t, err, failure)
	case <-time.After(time.Second):
		t.Fatal("never woken")
	}

	assert.NoError(t, next.WaitForPriorCommit())
}

func TestEngineHelpers(t *testing.T) {
	ck := &checkpointEngine{}

	assert.True(t, NeedsUnlog([]Engine{ck, plainEngine{}}))
	assert.False(t, NeedsUnlog([]Engine{ck}))
	assert.Equal(t, 0, CountXACapable([]Engine{ck, plainEngine{}}))

	before := 0
	n := RequestCheckpoint([]Engine{ck, plainEngine{}, ck}, "c", func() { before++ })
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, before)
	assert.Equal(t, 2, ck.asked)
}
