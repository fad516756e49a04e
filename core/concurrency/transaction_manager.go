package concurrency

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/storage/wal"
	"github.com/mizudb/mizu/core/transaction"
	"github.com/mizudb/mizu/pkg/telemetry"
)

// TransactionManager owns the transaction lifecycle: Begin hands out
// monotonically increasing ids and registers the transaction, Commit
// applies deferred deletes, Abort undoes both write sets in reverse,
// and both release every lock through the lock manager.
//
// The global transaction latch quiesces the system for administrative
// pauses: every Begin holds it shared until commit/abort, and
// BlockAllTransactions takes it exclusively.
type TransactionManager struct {
	nextTxnID atomic.Uint64

	mu     sync.RWMutex
	txnMap map[uint64]*transaction.Transaction

	globalTxnLatch sync.RWMutex

	lockManager *LockManager
	logManager  *wal.Manager
	metrics     *telemetry.Metrics
	logger      *zap.Logger
}

// NewTransactionManager creates a transaction manager over the given
// lock manager. The log manager may be nil (no durability sink).
func NewTransactionManager(lockManager *LockManager, logManager *wal.Manager, metrics *telemetry.Metrics, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		txnMap:      make(map[uint64]*transaction.Transaction),
		lockManager: lockManager,
		logManager:  logManager,
		metrics:     metrics,
		logger:      logger,
	}
}

// LockManager returns the lock manager transactions acquire through.
func (tm *TransactionManager) LockManager() *LockManager { return tm.lockManager }

// Begin starts a transaction. Passing nil creates a fresh transaction
// at the next id; passing an existing one re-registers it (used when a
// caller pre-builds the record). The global latch is taken shared and
// held until Commit or Abort.
func (tm *TransactionManager) Begin(txn *transaction.Transaction, level transaction.IsolationLevel) *transaction.Transaction {
	tm.globalTxnLatch.RLock()

	if txn == nil {
		txn = transaction.New(tm.nextTxnID.Add(1), level)
	}
	tm.mu.Lock()
	tm.txnMap[txn.ID()] = txn
	tm.mu.Unlock()

	if tm.logManager != nil {
		lsn, err := tm.logManager.Append(&wal.Record{TxnID: txn.ID(), Type: wal.RecordTypeBeginTxn})
		if err != nil {
			tm.logger.Error("failed to log transaction begin", zap.Uint64("txnID", txn.ID()), zap.Error(err))
		} else {
			txn.SetPrevLSN(lsn)
		}
	}
	tm.metrics.IncTxnBegin()
	return txn
}

// GetTransaction looks a transaction up by id.
func (tm *TransactionManager) GetTransaction(txnID uint64) (*transaction.Transaction, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn, ok := tm.txnMap[txnID]
	return txn, ok
}

// Commit finishes the transaction. Deletes were only tombstoned while
// the transaction ran; they are applied for real here, newest first.
// Inserts and updates are already in place.
func (tm *TransactionManager) Commit(txn *transaction.Transaction) {
	txn.SetState(transaction.StateCommitted)

	writeSet := txn.DrainTableWrites()
	for i := len(writeSet) - 1; i >= 0; i-- {
		item := writeSet[i]
		if item.Type == transaction.WriteDelete {
			item.Table.ApplyDelete(item.RID, txn)
		}
	}
	txn.DrainIndexWrites()

	if tm.logManager != nil {
		if _, err := tm.logManager.Append(&wal.Record{
			TxnID:   txn.ID(),
			PrevLSN: txn.PrevLSN(),
			Type:    wal.RecordTypeCommitTxn,
		}); err != nil {
			tm.logger.Error("failed to log commit", zap.Uint64("txnID", txn.ID()), zap.Error(err))
		}
		if err := tm.logManager.Sync(); err != nil {
			tm.logger.Error("failed to sync log on commit", zap.Uint64("txnID", txn.ID()), zap.Error(err))
		}
	}

	tm.releaseLocks(txn)
	tm.globalTxnLatch.RUnlock()
	tm.metrics.IncTxnCommit()
	tm.logger.Debug("transaction committed", zap.Uint64("txnID", txn.ID()))
}

// Abort rolls the transaction back: the table write set is undone from
// the back (inserts deleted, deletes restored, updates overwritten with
// their pre-image), then the index write set is inverted the same way.
// Safe to call on any transaction state; an empty write set is a no-op.
func (tm *TransactionManager) Abort(txn *transaction.Transaction) {
	txn.SetState(transaction.StateAborted)

	tableWriteSet := txn.DrainTableWrites()
	for i := len(tableWriteSet) - 1; i >= 0; i-- {
		item := tableWriteSet[i]
		switch item.Type {
		case transaction.WriteInsert:
			item.Table.ApplyDelete(item.RID, txn)
		case transaction.WriteDelete:
			item.Table.RollbackDelete(item.RID, txn)
		case transaction.WriteUpdate:
			item.Table.UpdateTuple(item.OldTuple, item.RID, txn)
		}
	}

	indexWriteSet := txn.DrainIndexWrites()
	for i := len(indexWriteSet) - 1; i >= 0; i-- {
		item := indexWriteSet[i]
		switch item.Type {
		case transaction.WriteInsert:
			item.Index.DeleteEntry(item.Key, item.RID, txn)
		case transaction.WriteDelete:
			item.Index.InsertEntry(item.Key, item.RID, txn)
		case transaction.WriteUpdate:
			item.Index.DeleteEntry(item.Key, item.RID, txn)
			item.Index.InsertEntry(item.OldKey, item.RID, txn)
		}
	}

	if tm.logManager != nil {
		if _, err := tm.logManager.Append(&wal.Record{
			TxnID:   txn.ID(),
			PrevLSN: txn.PrevLSN(),
			Type:    wal.RecordTypeAbortTxn,
		}); err != nil {
			tm.logger.Error("failed to log abort", zap.Uint64("txnID", txn.ID()), zap.Error(err))
		}
	}

	tm.releaseLocks(txn)
	tm.globalTxnLatch.RUnlock()
	tm.metrics.IncTxnAbort()
	tm.logger.Debug("transaction aborted", zap.Uint64("txnID", txn.ID()))
}

// releaseLocks unlocks every RID in either lock set, which also clears
// any queue entries the transaction still has (a wounded waiter's
// entry, for instance) and wakes the queues.
func (tm *TransactionManager) releaseLocks(txn *transaction.Transaction) {
	for _, rid := range txn.LockedRIDs() {
		tm.lockManager.Unlock(txn, rid)
	}
}

// BlockAllTransactions takes the global latch exclusively: no new
// transaction can begin and none can commit or abort until resumed.
func (tm *TransactionManager) BlockAllTransactions() {
	tm.globalTxnLatch.Lock()
}

// ResumeTransactions releases the administrative pause.
func (tm *TransactionManager) ResumeTransactions() {
	tm.globalTxnLatch.Unlock()
}
