// Package transaction defines the transaction record: identity,
// isolation level, two-phase-locking state, the RID lock sets, and the
// table/index write sets used for undo.
package transaction

import (
	"sync"
	"sync/atomic"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// State is the lifecycle state of a transaction.
type State int32

const (
	StateGrowing State = iota
	StateShrinking
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGrowing:
		return "GROWING"
	case StateShrinking:
		return "SHRINKING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel selects the locking protocol a transaction runs under.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	default:
		return "UNKNOWN"
	}
}

// WriteType tags a write-set record.
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete
	WriteUpdate
)

// TableHeap is the slice of the table layer the transaction manager
// needs for commit-time deletes and abort-time undo. The catalog and
// tuple layout stay outside the core, so records reference their heap
// directly.
type TableHeap interface {
	// ApplyDelete physically removes a tombstoned row.
	ApplyDelete(rid pagemanager.RID, txn *Transaction)
	// RollbackDelete restores a row whose delete was only marked.
	RollbackDelete(rid pagemanager.RID, txn *Transaction)
	// UpdateTuple writes a previous row image back in place.
	UpdateTuple(oldTuple []byte, rid pagemanager.RID, txn *Transaction)
}

// Index is the slice of an index the transaction manager needs to
// invert index modifications on abort.
type Index interface {
	InsertEntry(key []byte, rid pagemanager.RID, txn *Transaction)
	DeleteEntry(key []byte, rid pagemanager.RID, txn *Transaction)
}

// TableWriteRecord remembers one table modification for undo.
type TableWriteRecord struct {
	RID   pagemanager.RID
	Type  WriteType
	Table TableHeap
	// OldTuple is the pre-image captured for UPDATE records.
	OldTuple []byte
}

// IndexWriteRecord remembers one index modification for undo. Key is
// the index key the modification used; OldKey carries the previous key
// for UPDATE records.
type IndexWriteRecord struct {
	RID    pagemanager.RID
	Type   WriteType
	Index  Index
	Key    []byte
	OldKey []byte
}

// Transaction is one client transaction. The state is atomic because
// Wound-Wait aborts it from other goroutines; the sets and write lists
// are touched only by the owning goroutine and the transaction manager
// during commit/abort.
type Transaction struct {
	id             uint64
	isolationLevel IsolationLevel
	state          atomic.Int32
	prevLSN        atomic.Uint64

	mu               sync.Mutex
	sharedLockSet    map[pagemanager.RID]struct{}
	exclusiveLockSet map[pagemanager.RID]struct{}
	tableWriteSet    []TableWriteRecord
	indexWriteSet    []IndexWriteRecord
}

// New creates a transaction in the GROWING state.
func New(id uint64, level IsolationLevel) *Transaction {
	t := &Transaction{
		id:               id,
		isolationLevel:   level,
		sharedLockSet:    make(map[pagemanager.RID]struct{}),
		exclusiveLockSet: make(map[pagemanager.RID]struct{}),
	}
	t.state.Store(int32(StateGrowing))
	return t
}

// ID returns the transaction id. Smaller ids are older transactions.
func (t *Transaction) ID() uint64 { return t.id }

// IsolationLevel returns the isolation level the transaction runs under.
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolationLevel }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return State(t.state.Load()) }

// SetState moves the transaction to a new state.
func (t *Transaction) SetState(s State) { t.state.Store(int32(s)) }

// PrevLSN returns the LSN of the last log record this txn wrote.
func (t *Transaction) PrevLSN() pagemanager.LSN { return pagemanager.LSN(t.prevLSN.Load()) }

// SetPrevLSN records the LSN of the last log record this txn wrote.
func (t *Transaction) SetPrevLSN(lsn pagemanager.LSN) { t.prevLSN.Store(uint64(lsn)) }

// IsSharedLocked reports whether the txn holds a shared lock on rid.
func (t *Transaction) IsSharedLocked(rid pagemanager.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedLockSet[rid]
	return ok
}

// IsExclusiveLocked reports whether the txn holds an exclusive lock on rid.
func (t *Transaction) IsExclusiveLocked(rid pagemanager.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveLockSet[rid]
	return ok
}

// AddSharedLock records rid in the shared lock set.
func (t *Transaction) AddSharedLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedLockSet[rid] = struct{}{}
}

// AddExclusiveLock records rid in the exclusive lock set.
func (t *Transaction) AddExclusiveLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveLockSet[rid] = struct{}{}
}

// PromoteLock moves rid from the shared to the exclusive set.
func (t *Transaction) PromoteLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedLockSet, rid)
	t.exclusiveLockSet[rid] = struct{}{}
}

// RemoveLock drops rid from both lock sets.
func (t *Transaction) RemoveLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedLockSet, rid)
	delete(t.exclusiveLockSet, rid)
}

// LockedRIDs returns a snapshot of every RID the txn holds a lock on,
// exclusive locks first.
func (t *Transaction) LockedRIDs() []pagemanager.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	rids := make([]pagemanager.RID, 0, len(t.exclusiveLockSet)+len(t.sharedLockSet))
	for rid := range t.exclusiveLockSet {
		rids = append(rids, rid)
	}
	for rid := range t.sharedLockSet {
		if _, ok := t.exclusiveLockSet[rid]; !ok {
			rids = append(rids, rid)
		}
	}
	return rids
}

// AppendTableWrite records a table modification for undo.
func (t *Transaction) AppendTableWrite(rec TableWriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableWriteSet = append(t.tableWriteSet, rec)
}

// AppendIndexWrite records an index modification for undo.
func (t *Transaction) AppendIndexWrite(rec IndexWriteRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexWriteSet = append(t.indexWriteSet, rec)
}

// DrainTableWrites hands the write set to the transaction manager and
// clears it.
func (t *Transaction) DrainTableWrites() []TableWriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.tableWriteSet
	t.tableWriteSet = nil
	return set
}

// DrainIndexWrites hands the index write set to the transaction manager
// and clears it.
func (t *Transaction) DrainIndexWrites() []IndexWriteRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.indexWriteSet
	t.indexWriteSet = nil
	return set
}
