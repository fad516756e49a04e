package buffer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/storage/disk"
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
	"github.com/mizudb/mizu/core/storage/wal"
	"github.com/mizudb/mizu/pkg/telemetry"
)

var (
	_ BufferPoolManager = (*Instance)(nil)
	_ BufferPoolManager = (*ParallelManager)(nil)
)

// ParallelManager shards page ids across N buffer pool instances by
// `pageID mod N`. Each instance has its own latch, so operations on
// distinct shards never contend. The striped page id allocation inside
// each instance guarantees a page is always routed back to the shard
// that allocated it.
type ParallelManager struct {
	instances []*Instance
	poolSize  int

	mu                sync.Mutex
	nextInstanceIndex int
}

// NewParallelManager creates numInstances shards of poolSize frames each.
func NewParallelManager(numInstances, poolSize int, diskManager *disk.Manager, logManager *wal.Manager, metrics *telemetry.Metrics, logger *zap.Logger) *ParallelManager {
	p := &ParallelManager{
		instances: make([]*Instance, numInstances),
		poolSize:  poolSize,
	}
	for i := 0; i < numInstances; i++ {
		p.instances[i] = NewShardedInstance(poolSize, numInstances, i, diskManager, logManager, metrics, logger)
	}
	return p
}

// GetPoolSize returns the total frame count across all shards.
func (p *ParallelManager) GetPoolSize() int {
	return len(p.instances) * p.poolSize
}

// instanceFor routes a page id to the shard responsible for it.
func (p *ParallelManager) instanceFor(pageID pagemanager.PageID) *Instance {
	return p.instances[int(pageID)%len(p.instances)]
}

// NewPage asks each shard in round-robin order for a new page, starting
// at a rotating index so allocation load spreads. If every shard is
// full the rotation resets and the call fails.
func (p *ParallelManager) NewPage() (*pagemanager.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.nextInstanceIndex
	for {
		page, err := p.instances[p.nextInstanceIndex%len(p.instances)].NewPage()
		p.nextInstanceIndex = (p.nextInstanceIndex + 1) % len(p.instances)
		if err == nil {
			return page, nil
		}
		if p.nextInstanceIndex == start {
			break
		}
	}
	p.nextInstanceIndex = 0
	return nil, ErrBufferPoolFull
}

// FetchPage pins the page via its shard.
func (p *ParallelManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	return p.instanceFor(pageID).FetchPage(pageID)
}

// UnpinPage unpins the page via its shard.
func (p *ParallelManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	return p.instanceFor(pageID).UnpinPage(pageID, isDirty)
}

// FlushPage flushes the page via its shard.
func (p *ParallelManager) FlushPage(pageID pagemanager.PageID) error {
	return p.instanceFor(pageID).FlushPage(pageID)
}

// DeletePage deletes the page via its shard.
func (p *ParallelManager) DeletePage(pageID pagemanager.PageID) error {
	return p.instanceFor(pageID).DeletePage(pageID)
}

// FlushAllPages flushes every shard. Not atomic across shards.
func (p *ParallelManager) FlushAllPages() error {
	var firstErr error
	for _, inst := range p.instances {
		if err := inst.FlushAllPages(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
