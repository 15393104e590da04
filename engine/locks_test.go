package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tclog/tc"
)

type waitRecorder struct {
	mu    sync.Mutex
	waits [][2]uint64
}

func (r *waitRecorder) ReportWaitFor(waiter, holder *tc.Txn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, [2]uint64{waiter.ID, holder.ID})
}

func (r *waitRecorder) get() [][2]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]uint64(nil), r.waits...)
}

func TestRowLocks(t *testing.T) {
	t.Run("shared locks are compatible", func(t *testing.T) {
		l := NewRowLocks(nil, 0, nil)
		defer l.Stop()

		t1, t2 := tc.NewTxn(1), tc.NewTxn(2)
		require.NoError(t, l.Lock(t1, 7, SharedLock))
		require.NoError(t, l.Lock(t2, 7, SharedLock))
		assert.ElementsMatch(t, []uint64{1, 2}, l.Holders(7))

		assert.False(t, l.TryLock(tc.NewTxn(3), 7, ExclusiveLock))

		l.Unlock(t1, 7)
		l.Unlock(t2, 7)
		assert.True(t, l.TryLock(tc.NewTxn(3), 7, ExclusiveLock))
	})

	t.Run("sole owner upgrades", func(t *testing.T) {
		l := NewRowLocks(nil, 0, nil)
		defer l.Stop()

		t1 := tc.NewTxn(1)
		require.NoError(t, l.Lock(t1, 1, SharedLock))
		require.NoError(t, l.Lock(t1, 1, ExclusiveLock))
		l.Unlock(t1, 1)

		assert.Panics(t, func() { l.Unlock(t1, 1) })
	})

	t.Run("waiter is reported and granted on release", func(t *testing.T) {
		rec := &waitRecorder{}
		l := NewRowLocks(rec, 0, nil)
		defer l.Stop()

		holder, waiter := tc.NewTxn(1), tc.NewTxn(2)
		require.NoError(t, l.Lock(holder, 5, ExclusiveLock))

		got := make(chan error, 1)
		go func() { got <- l.Lock(waiter, 5, ExclusiveLock) }()

		assert.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, [][2]uint64{{2, 1}}, rec.get())

		select {
		case <-got:
			t.Fatal("waiter got the lock while it was held")
		case <-time.After(20 * time.Millisecond):
		}

		l.ReleaseAll(holder)
		require.NoError(t, <-got)
		assert.Equal(t, []uint64{2}, l.Holders(5))
	})

	t.Run("deadlock aborts the youngest waiter", func(t *testing.T) {
		l := NewRowLocks(nil, 0, nil)
		defer l.Stop()

		t1, t2 := tc.NewTxn(1), tc.NewTxn(2)
		require.NoError(t, l.Lock(t1, 1, ExclusiveLock))
		require.NoError(t, l.Lock(t2, 2, ExclusiveLock))

		errs := make(chan error, 2)
		go func() { errs <- l.Lock(t1, 2, ExclusiveLock) }()
		go func() { errs <- l.Lock(t2, 1, ExclusiveLock) }()

		var aborted []uint64
		assert.Eventually(t, func() bool {
			aborted = append(aborted, l.DetectDeadlocks()...)
			return len(aborted) > 0
		}, time.Second, time.Millisecond)
		assert.Equal(t, []uint64{2}, aborted)

		err := <-errs
		assert.ErrorIs(t, err, ErrDeadlock)

		l.ReleaseAll(t2)
		require.NoError(t, <-errs)
		assert.ElementsMatch(t, []uint64{1}, l.Holders(2))
	})

	t.Run("background detector", func(t *testing.T) {
		l := NewRowLocks(nil, 5*time.Millisecond, nil)
		defer l.Stop()

		t1, t2 := tc.NewTxn(1), tc.NewTxn(2)
		require.NoError(t, l.Lock(t1, 1, SharedLock))
		require.NoError(t, l.Lock(t2, 1, SharedLock))

		errs := make(chan error, 2)
		go func() { errs <- l.Lock(t1, 1, ExclusiveLock) }()
		go func() { errs <- l.Lock(t2, 1, ExclusiveLock) }()

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDeadlock)
		case <-time.After(2 * time.Second):
			t.Fatal("deadlock was not broken")
		}
		l.Unlock(t2, 1)
		require.NoError(t, <-errs)
	})
}
