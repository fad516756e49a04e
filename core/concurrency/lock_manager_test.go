package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
	"github.com/mizudb/mizu/core/transaction"
)

func testRID() pagemanager.RID { return pagemanager.NewRID(1, 7) }

// TestLockManager_SharedLocksCoexist verifies multiple shared holders
// are granted together and unlock independently.
func TestLockManager_SharedLocksCoexist(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	t1 := transaction.New(1, transaction.RepeatableRead)
	t2 := transaction.New(2, transaction.RepeatableRead)

	require.True(t, lm.LockShared(t1, rid))
	require.True(t, lm.LockShared(t2, rid))
	require.True(t, t1.IsSharedLocked(rid))
	require.True(t, t2.IsSharedLocked(rid))

	require.True(t, lm.Unlock(t1, rid))
	require.True(t, lm.Unlock(t2, rid))
	require.False(t, lm.Unlock(t2, rid), "second unlock holds nothing")
}

// TestLockManager_IsolationPolicies verifies READ_UNCOMMITTED rejects
// shared locks and the 2PL shrinking rule aborts late acquisitions
// under REPEATABLE_READ.
func TestLockManager_IsolationPolicies(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()

	dirty := transaction.New(1, transaction.ReadUncommitted)
	require.False(t, lm.LockShared(dirty, rid))
	require.Equal(t, transaction.StateAborted, dirty.State())

	rr := transaction.New(2, transaction.RepeatableRead)
	require.True(t, lm.LockShared(rr, rid))
	require.True(t, lm.Unlock(rr, rid))
	require.Equal(t, transaction.StateShrinking, rr.State())
	require.False(t, lm.LockShared(rr, rid), "acquisition while shrinking violates 2PL")
	require.Equal(t, transaction.StateAborted, rr.State())
}

// TestLockManager_ReadCommittedUnlockKeepsGrowing verifies unlocking
// under READ_COMMITTED does not start the shrinking phase, so scans can
// release row locks as they go and keep locking.
func TestLockManager_ReadCommittedUnlockKeepsGrowing(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()

	txn := transaction.New(1, transaction.ReadCommitted)
	require.True(t, lm.LockShared(txn, rid))
	require.True(t, lm.Unlock(txn, rid))
	require.Equal(t, transaction.StateGrowing, txn.State())
	require.True(t, lm.LockShared(txn, rid))
}

// TestLockManager_ExclusiveQueueFIFO is the three-transaction handoff:
// an old holder releases and the older of the two waiters is granted
// first, the younger only after the older's release.
func TestLockManager_ExclusiveQueueFIFO(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	tA := transaction.New(1, transaction.RepeatableRead)
	tB := transaction.New(2, transaction.RepeatableRead)
	tC := transaction.New(3, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(tA, rid))

	grants := make(chan uint64, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if lm.LockExclusive(tB, rid) {
			grants <- tB.ID()
			time.Sleep(20 * time.Millisecond) // hold briefly so C must wait on B
			lm.Unlock(tB, rid)
		}
	}()
	// Let B enqueue ahead of C.
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		return len(lm.lockTable[rid].requests) == 2
	}, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		if lm.LockExclusive(tC, rid) {
			grants <- tC.ID()
			lm.Unlock(tC, rid)
		}
	}()
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		return len(lm.lockTable[rid].requests) == 3
	}, time.Second, time.Millisecond)

	require.True(t, lm.Unlock(tA, rid))
	wg.Wait()
	close(grants)

	var order []uint64
	for id := range grants {
		order = append(order, id)
	}
	require.Equal(t, []uint64{tB.ID(), tC.ID()}, order, "grants follow queue order, oldest waiter first")
}

// TestLockManager_WoundWaitAbortsYoungerHolder verifies an older
// requester wounds a younger exclusive holder instead of waiting.
func TestLockManager_WoundWaitAbortsYoungerHolder(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	young := transaction.New(9, transaction.RepeatableRead)
	old := transaction.New(2, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(young, rid))
	require.True(t, lm.LockExclusive(old, rid), "older transaction is granted straight through the wound")
	require.Equal(t, transaction.StateAborted, young.State())

	// The victim's cleanup path removes its stale queue entry.
	require.True(t, lm.Unlock(young, rid))
	require.True(t, lm.Unlock(old, rid))
}

// TestLockManager_YoungerWaitsForOlder verifies a younger exclusive
// requester blocks behind an older holder rather than wounding it.
func TestLockManager_YoungerWaitsForOlder(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	old := transaction.New(1, transaction.RepeatableRead)
	young := transaction.New(5, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(old, rid))

	done := make(chan bool, 1)
	go func() {
		done <- lm.LockExclusive(young, rid)
	}()

	select {
	case <-done:
		t.Fatal("younger transaction must wait for the older holder")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, transaction.StateGrowing, old.State(), "older holder is never wounded")

	require.True(t, lm.Unlock(old, rid))
	require.True(t, <-done)
	require.True(t, lm.Unlock(young, rid))
}

// TestLockManager_UpgradePromotesMode verifies a shared holder upgrades
// in place once it is the only reader.
func TestLockManager_UpgradePromotesMode(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	txn := transaction.New(1, transaction.RepeatableRead)

	require.True(t, lm.LockShared(txn, rid))
	require.True(t, lm.LockUpgrade(txn, rid))
	require.True(t, txn.IsExclusiveLocked(rid))
	require.False(t, txn.IsSharedLocked(rid))

	require.False(t, lm.LockUpgrade(transaction.New(2, transaction.RepeatableRead), rid),
		"upgrading without a shared lock is refused")
	require.True(t, lm.Unlock(txn, rid))
}

// TestLockManager_SingleUpgraderRule verifies the second transaction to
// request an upgrade on a RID aborts instead of deadlocking with the
// first.
func TestLockManager_SingleUpgraderRule(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	first := transaction.New(2, transaction.RepeatableRead)
	second := transaction.New(1, transaction.RepeatableRead)

	require.True(t, lm.LockShared(first, rid))
	require.True(t, lm.LockShared(second, rid))

	upgraded := make(chan bool, 1)
	go func() {
		upgraded <- lm.LockUpgrade(first, rid)
	}()
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		return lm.lockTable[rid].upgrading
	}, time.Second, time.Millisecond)

	require.False(t, lm.LockUpgrade(second, rid), "second concurrent upgrader must abort")
	require.Equal(t, transaction.StateAborted, second.State())

	// The casualty's cleanup releases its shared lock; the first
	// upgrader then holds the only granted request and completes.
	require.True(t, lm.Unlock(second, rid))
	require.True(t, <-upgraded)
	require.True(t, first.IsExclusiveLocked(rid))
	require.True(t, lm.Unlock(first, rid))
}

// TestLockManager_WoundedWaiterObservesAbort verifies a waiter wounded
// while blocked wakes up, reports failure, and can be cleaned up.
func TestLockManager_WoundedWaiterObservesAbort(t *testing.T) {
	lm := NewLockManager(nil, zap.NewNop())
	rid := testRID()
	holder := transaction.New(1, transaction.RepeatableRead)
	waiter := transaction.New(9, transaction.RepeatableRead)
	wounder := transaction.New(2, transaction.RepeatableRead)

	require.True(t, lm.LockExclusive(holder, rid))

	waiterDone := make(chan bool, 1)
	go func() {
		waiterDone <- lm.LockExclusive(waiter, rid)
	}()
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		return len(lm.lockTable[rid].requests) == 2
	}, time.Second, time.Millisecond)

	// The mid-aged wounder kills the younger waiter ahead of it in the
	// queue, then waits for the older holder.
	wounderDone := make(chan bool, 1)
	go func() {
		wounderDone <- lm.LockExclusive(wounder, rid)
	}()

	require.False(t, <-waiterDone, "wounded waiter reports failure")
	require.Equal(t, transaction.StateAborted, waiter.State())
	require.True(t, lm.Unlock(waiter, rid), "abort cleanup removes the stale entry")

	require.True(t, lm.Unlock(holder, rid))
	require.True(t, <-wounderDone)
	require.True(t, lm.Unlock(wounder, rid))
}
