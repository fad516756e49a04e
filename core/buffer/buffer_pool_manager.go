// Package buffer implements the buffer pool: a fixed set of frames
// above the disk manager with pin/unpin accounting and LRU eviction,
// plus a sharded variant that stripes page ids across instances.
package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/storage/disk"
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
	"github.com/mizudb/mizu/core/storage/wal"
	"github.com/mizudb/mizu/pkg/telemetry"
)

// BufferPoolManager is the page cache interface the rest of the engine
// programs against. Implemented by Instance and by ParallelManager.
type BufferPoolManager interface {
	// NewPage allocates a fresh page id, pins it in a frame and returns
	// it with zeroed content. ErrBufferPoolFull when every frame is pinned.
	NewPage() (*pagemanager.Page, error)
	// FetchPage pins the page, reading it from disk on a miss.
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	// UnpinPage drops one pin and ORs isDirty into the frame's dirty bit.
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	// FlushPage writes the page back regardless of pin status.
	FlushPage(pageID pagemanager.PageID) error
	// FlushAllPages writes back every resident page.
	FlushAllPages() error
	// DeletePage drops an unpinned page from the pool and deallocates it.
	DeletePage(pageID pagemanager.PageID) error
	// GetPoolSize returns the total number of frames.
	GetPoolSize() int
}

// Instance is a single buffer pool: a frame array, a page table, a free
// list and an LRU replacer, all guarded by one mutex. When it is part
// of a parallel pool it allocates page ids striped by its index so that
// `pageID mod numInstances == instanceIndex` always holds.
type Instance struct {
	mu sync.Mutex

	poolSize      int
	numInstances  int
	instanceIndex int
	nextPageID    pagemanager.PageID

	pages     []*pagemanager.Page
	pageTable map[pagemanager.PageID]pagemanager.FrameID
	freeList  []pagemanager.FrameID
	replacer  *LRUReplacer

	diskManager *disk.Manager
	logManager  *wal.Manager
	metrics     *telemetry.Metrics
	logger      *zap.Logger
}

// NewInstance creates a standalone buffer pool (a one-instance pool).
func NewInstance(poolSize int, diskManager *disk.Manager, logManager *wal.Manager, metrics *telemetry.Metrics, logger *zap.Logger) *Instance {
	return NewShardedInstance(poolSize, 1, 0, diskManager, logManager, metrics, logger)
}

// NewShardedInstance creates one shard of a parallel buffer pool.
func NewShardedInstance(poolSize, numInstances, instanceIndex int, diskManager *disk.Manager, logManager *wal.Manager, metrics *telemetry.Metrics, logger *zap.Logger) *Instance {
	if numInstances <= 0 {
		panic("buffer pool needs at least one instance")
	}
	if instanceIndex < 0 || instanceIndex >= numInstances {
		panic(fmt.Sprintf("instance index %d out of range [0,%d)", instanceIndex, numInstances))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inst := &Instance{
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    pagemanager.PageID(instanceIndex),
		pages:         make([]*pagemanager.Page, poolSize),
		pageTable:     make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:      make([]pagemanager.FrameID, 0, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		diskManager:   diskManager,
		logManager:    logManager,
		metrics:       metrics,
		logger:        logger,
	}
	for i := 0; i < poolSize; i++ {
		inst.pages[i] = pagemanager.NewPage(diskManager.PageSize())
		inst.freeList = append(inst.freeList, pagemanager.FrameID(i))
	}
	return inst
}

// GetPoolSize returns the number of frames in this instance.
func (b *Instance) GetPoolSize() int { return b.poolSize }

// allocatePage hands out the next page id for this shard. Callers hold mu.
func (b *Instance) allocatePage() pagemanager.PageID {
	id := b.nextPageID
	b.nextPageID += pagemanager.PageID(b.numInstances)
	return id
}

// fetchFreeFrame finds a frame to install a page into: the free list
// first, then an LRU victim whose old contents are written back if
// dirty. Callers hold mu. Returns ErrBufferPoolFull when every frame is
// pinned.
func (b *Instance) fetchFreeFrame() (pagemanager.FrameID, error) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, nil
	}
	frameID, ok := b.replacer.Victim()
	if !ok {
		return 0, ErrBufferPoolFull
	}
	b.metrics.IncEviction()
	victim := b.pages[frameID]
	if victim.IsDirty() {
		if err := b.writeBack(victim); err != nil {
			return 0, err
		}
	}
	delete(b.pageTable, victim.ID())
	victim.SetDirty(false)
	return frameID, nil
}

// writeBack flushes one page image to disk, syncing the log first so a
// page never reaches disk ahead of the records that describe it.
// Callers hold mu.
func (b *Instance) writeBack(page *pagemanager.Page) error {
	if b.logManager != nil && page.LSN() != pagemanager.InvalidLSN {
		if err := b.logManager.Sync(); err != nil {
			return fmt.Errorf("failed to flush log ahead of page %d: %w", page.ID(), err)
		}
	}
	if err := b.diskManager.WritePage(page.ID(), page.Data()); err != nil {
		return fmt.Errorf("failed to write back page %d: %w", page.ID(), err)
	}
	b.metrics.IncFlush()
	return nil
}

// NewPage allocates a fresh page id for this shard and pins it into a
// frame with zeroed content.
func (b *Instance) NewPage() (*pagemanager.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, err := b.fetchFreeFrame()
	if err != nil {
		return nil, err
	}
	pageID := b.allocatePage()
	page := b.pages[frameID]
	page.Reset()
	page.SetID(pageID)
	page.Pin()
	b.pageTable[pageID] = frameID
	b.replacer.Pin(frameID)
	b.logger.Debug("new page",
		zap.Int32("pageID", int32(pageID)),
		zap.Int32("frameID", int32(frameID)),
		zap.Int("instance", b.instanceIndex))
	return page, nil
}

// FetchPage returns the page pinned, reading it from disk on a miss.
func (b *Instance) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frameID, ok := b.pageTable[pageID]; ok {
		page := b.pages[frameID]
		page.Pin()
		b.replacer.Pin(frameID)
		b.metrics.IncHit()
		return page, nil
	}

	frameID, err := b.fetchFreeFrame()
	if err != nil {
		return nil, err
	}
	page := b.pages[frameID]
	page.Reset()
	if err := b.diskManager.ReadPage(pageID, page.Data()); err != nil {
		// The frame stays unmapped; hand it back to the free list.
		b.freeList = append(b.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	page.SetID(pageID)
	page.Pin()
	b.pageTable[pageID] = frameID
	b.replacer.Pin(frameID)
	b.metrics.IncMiss()
	return page, nil
}

// UnpinPage drops one pin on the page. Dirtiness is sticky: once a pin
// reported the page dirty it stays dirty until flushed.
func (b *Instance) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	page := b.pages[frameID]
	if page.PinCount() == 0 {
		return fmt.Errorf("%w: page %d", ErrPageNotPinned, pageID)
	}
	if isDirty {
		page.SetDirty(true)
	}
	page.Unpin()
	if page.PinCount() == 0 {
		b.replacer.Unpin(frameID)
	}
	return nil
}

// FlushPage writes the page to disk regardless of its pin status and
// clears the dirty bit.
func (b *Instance) FlushPage(pageID pagemanager.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushPageLocked(pageID)
}

func (b *Instance) flushPageLocked(pageID pagemanager.PageID) error {
	frameID, ok := b.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	page := b.pages[frameID]
	if err := b.writeBack(page); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages writes back every resident page under the instance latch.
func (b *Instance) FlushAllPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for pageID := range b.pageTable {
		if err := b.flushPageLocked(pageID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeletePage removes an unpinned page from the pool and deallocates it
// on disk. Deleting a non-resident page succeeds; deleting a pinned one
// fails with ErrPagePinned.
func (b *Instance) DeletePage(pageID pagemanager.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.diskManager.DeallocatePage(pageID)
	frameID, ok := b.pageTable[pageID]
	if !ok {
		return nil
	}
	page := b.pages[frameID]
	if page.PinCount() > 0 {
		return fmt.Errorf("%w: page %d has pin count %d", ErrPagePinned, pageID, page.PinCount())
	}
	delete(b.pageTable, pageID)
	b.replacer.Pin(frameID)
	page.Reset()
	b.freeList = append(b.freeList, frameID)
	return nil
}
