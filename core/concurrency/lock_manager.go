// Package concurrency holds the row-lock manager and the transaction
// manager: two-phase locking at RID granularity with Wound-Wait
// deadlock prevention, and the transaction lifecycle built on top.
package concurrency

import (
	"sync"

	"go.uber.org/zap"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
	"github.com/mizudb/mizu/core/transaction"
	"github.com/mizudb/mizu/pkg/telemetry"
)

// LockMode is the mode of a row lock request.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// lockRequest is one transaction's position in a RID's queue.
type lockRequest struct {
	txn     *transaction.Transaction
	mode    LockMode
	granted bool
}

// lockRequestQueue is the per-RID wait queue. The condition variable
// shares the manager's mutex; it is broadcast on every queue mutation
// (unlock, wound) so waiters can re-evaluate their spin predicate.
// upgrading enforces the single-upgrader rule.
type lockRequestQueue struct {
	requests  []*lockRequest
	cv        *sync.Cond
	upgrading bool
}

func (q *lockRequestQueue) indexOf(txn *transaction.Transaction) int {
	for i, req := range q.requests {
		if req.txn == txn {
			return i
		}
	}
	return -1
}

func (q *lockRequestQueue) remove(txn *transaction.Transaction) bool {
	if i := q.indexOf(txn); i >= 0 {
		q.requests = append(q.requests[:i], q.requests[i+1:]...)
		return true
	}
	return false
}

// LockManager grants row locks under two-phase locking and
// prevents deadlock by Wound-Wait: an older transaction (smaller id)
// aborts any younger transaction blocking it; a younger one waits.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[pagemanager.RID]*lockRequestQueue
	metrics   *telemetry.Metrics
	logger    *zap.Logger
}

// NewLockManager creates an empty lock manager.
func NewLockManager(metrics *telemetry.Metrics, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		lockTable: make(map[pagemanager.RID]*lockRequestQueue),
		metrics:   metrics,
		logger:    logger,
	}
}

func (lm *LockManager) queueFor(rid pagemanager.RID) *lockRequestQueue {
	q, ok := lm.lockTable[rid]
	if !ok {
		q = &lockRequestQueue{cv: sync.NewCond(&lm.mu)}
		lm.lockTable[rid] = q
	}
	return q
}

// wound aborts a younger transaction standing in an older one's way and
// wakes the queue so the victim (and anyone behind it) re-checks state.
func (lm *LockManager) wound(victim *transaction.Transaction, q *lockRequestQueue) {
	if victim.State() == transaction.StateAborted {
		return
	}
	victim.SetState(transaction.StateAborted)
	lm.metrics.IncLockWound()
	lm.logger.Debug("wound-wait abort", zap.Uint64("victimTxnID", victim.ID()))
	q.cv.Broadcast()
}

// sharedSpin decides whether a shared requester must keep waiting:
// every live exclusive request ahead of it that is younger gets
// wounded; an older one forces a wait.
func (lm *LockManager) sharedSpin(txn *transaction.Transaction, q *lockRequestQueue) bool {
	self := q.indexOf(txn)
	needWait := false
	for _, req := range q.requests[:self] {
		if req.txn.State() == transaction.StateAborted {
			continue
		}
		if req.mode != LockExclusive {
			continue
		}
		if req.txn.ID() > txn.ID() {
			lm.wound(req.txn, q)
		} else {
			needWait = true
		}
	}
	return needWait
}

// exclusiveSpin decides whether an exclusive requester must keep
// waiting: every live request ahead of it conflicts.
func (lm *LockManager) exclusiveSpin(txn *transaction.Transaction, q *lockRequestQueue) bool {
	self := q.indexOf(txn)
	needWait := false
	for _, req := range q.requests[:self] {
		if req.txn.State() == transaction.StateAborted {
			continue
		}
		if req.txn.ID() > txn.ID() {
			lm.wound(req.txn, q)
		} else {
			needWait = true
		}
	}
	return needWait
}

// upgradeSpin decides whether an upgrader must keep waiting: every
// other live granted holder conflicts, regardless of queue position,
// because the upgrade takes effect at the head.
func (lm *LockManager) upgradeSpin(txn *transaction.Transaction, q *lockRequestQueue) bool {
	needWait := false
	for _, req := range q.requests {
		if req.txn == txn || !req.granted {
			continue
		}
		if req.txn.State() == transaction.StateAborted {
			continue
		}
		if req.txn.ID() > txn.ID() {
			lm.wound(req.txn, q)
		} else {
			needWait = true
		}
	}
	return needWait
}

// LockShared acquires a shared lock on rid for txn. It blocks until
// granted or the txn is wounded; false means the caller must abort.
func (lm *LockManager) LockShared(txn *transaction.Transaction, rid pagemanager.RID) bool {
	if txn.State() == transaction.StateAborted {
		return false
	}
	if txn.State() != transaction.StateGrowing || txn.IsolationLevel() == transaction.ReadUncommitted {
		txn.SetState(transaction.StateAborted)
		return false
	}
	if txn.IsSharedLocked(rid) || txn.IsExclusiveLocked(rid) {
		return true
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	q := lm.queueFor(rid)
	q.requests = append(q.requests, &lockRequest{txn: txn, mode: LockShared})
	txn.AddSharedLock(rid)

	for lm.sharedSpin(txn, q) {
		lm.metrics.IncLockWait()
		q.cv.Wait()
		if txn.State() == transaction.StateAborted {
			return false
		}
	}

	if i := q.indexOf(txn); i >= 0 {
		q.requests[i].granted = true
	}
	txn.SetState(transaction.StateGrowing)
	return true
}

// LockExclusive acquires an exclusive lock on rid for txn.
func (lm *LockManager) LockExclusive(txn *transaction.Transaction, rid pagemanager.RID) bool {
	if txn.State() == transaction.StateAborted {
		return false
	}
	if txn.State() != transaction.StateGrowing {
		txn.SetState(transaction.StateAborted)
		return false
	}
	if txn.IsExclusiveLocked(rid) {
		return true
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	q := lm.queueFor(rid)
	q.requests = append(q.requests, &lockRequest{txn: txn, mode: LockExclusive})
	txn.AddExclusiveLock(rid)

	for lm.exclusiveSpin(txn, q) {
		lm.metrics.IncLockWait()
		q.cv.Wait()
		if txn.State() == transaction.StateAborted {
			return false
		}
	}

	if i := q.indexOf(txn); i >= 0 {
		q.requests[i].granted = true
	}
	txn.SetState(transaction.StateGrowing)
	return true
}

// LockUpgrade promotes txn's shared lock on rid to exclusive. Only one
// upgrade may be in flight per RID; a second upgrader aborts.
func (lm *LockManager) LockUpgrade(txn *transaction.Transaction, rid pagemanager.RID) bool {
	if txn.State() == transaction.StateAborted {
		return false
	}
	if txn.State() != transaction.StateGrowing {
		txn.SetState(transaction.StateAborted)
		return false
	}
	if txn.IsExclusiveLocked(rid) {
		return true
	}
	if !txn.IsSharedLocked(rid) {
		return false
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	q := lm.queueFor(rid)
	if q.upgrading {
		txn.SetState(transaction.StateAborted)
		return false
	}
	q.upgrading = true
	defer func() { q.upgrading = false }()

	for lm.upgradeSpin(txn, q) {
		lm.metrics.IncLockWait()
		q.cv.Wait()
		if txn.State() == transaction.StateAborted {
			return false
		}
	}

	if i := q.indexOf(txn); i >= 0 {
		q.requests[i].mode = LockExclusive
		q.requests[i].granted = true
	}
	txn.PromoteLock(rid)
	txn.SetState(transaction.StateGrowing)
	return true
}

// Unlock releases txn's lock on rid and wakes the queue. Under
// REPEATABLE_READ the first unlock moves the txn into its shrinking
// phase. False when the txn held no lock on rid.
func (lm *LockManager) Unlock(txn *transaction.Transaction, rid pagemanager.RID) bool {
	if !txn.IsSharedLocked(rid) && !txn.IsExclusiveLocked(rid) {
		return false
	}

	lm.mu.Lock()
	if q, ok := lm.lockTable[rid]; ok {
		q.remove(txn)
		q.cv.Broadcast()
	}
	lm.mu.Unlock()

	txn.RemoveLock(rid)
	if txn.IsolationLevel() == transaction.RepeatableRead && txn.State() == transaction.StateGrowing {
		txn.SetState(transaction.StateShrinking)
	}
	return true
}
