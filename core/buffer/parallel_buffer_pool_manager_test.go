package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/storage/disk"
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

func newTestParallelManager(t *testing.T, numInstances, poolSize int) *ParallelManager {
	t.Helper()
	logger := zap.NewNop()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return NewParallelManager(numInstances, poolSize, dm, nil, nil, logger)
}

// TestParallelBufferPool_RoutingInvariant verifies that every page a
// shard allocates routes back to that shard, so fetch/unpin/flush hit
// the instance that owns the frame.
func TestParallelBufferPool_RoutingInvariant(t *testing.T) {
	p := newTestParallelManager(t, 3, 2)
	require.Equal(t, 6, p.GetPoolSize())

	seen := map[pagemanager.PageID]bool{}
	for i := 0; i < 6; i++ {
		page, err := p.NewPage()
		require.NoError(t, err)
		require.False(t, seen[page.ID()], "page ids must be unique across shards")
		seen[page.ID()] = true

		owner := p.instanceFor(page.ID())
		_, resident := owner.pageTable[page.ID()]
		require.True(t, resident, "page %d must live in the shard that allocated it", page.ID())
		require.NoError(t, p.UnpinPage(page.ID(), false))
	}
}

// TestParallelBufferPool_RoundRobinNewPage verifies consecutive
// NewPage calls land on consecutive shards.
func TestParallelBufferPool_RoundRobinNewPage(t *testing.T) {
	p := newTestParallelManager(t, 3, 2)

	var shards []int
	for i := 0; i < 3; i++ {
		page, err := p.NewPage()
		require.NoError(t, err)
		shards = append(shards, int(page.ID())%3)
		require.NoError(t, p.UnpinPage(page.ID(), false))
	}
	require.Equal(t, []int{0, 1, 2}, shards)
}

// TestParallelBufferPool_NewPageExhaustion verifies NewPage fails only
// after every shard refuses, and the rotation resets afterwards.
func TestParallelBufferPool_NewPageExhaustion(t *testing.T) {
	p := newTestParallelManager(t, 2, 1)

	p0, err := p.NewPage()
	require.NoError(t, err)
	p1, err := p.NewPage()
	require.NoError(t, err)

	_, err = p.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)

	require.NoError(t, p.UnpinPage(p0.ID(), false))
	require.NoError(t, p.UnpinPage(p1.ID(), false))
	_, err = p.NewPage()
	require.NoError(t, err)
}

// TestParallelBufferPool_FetchRoundTrip verifies a page written through
// one pin cycle reads back identically through the routed shard.
func TestParallelBufferPool_FetchRoundTrip(t *testing.T) {
	p := newTestParallelManager(t, 3, 2)

	page, err := p.NewPage()
	require.NoError(t, err)
	id := page.ID()
	fillPage(page, 0x77)
	require.NoError(t, p.UnpinPage(id, true))
	require.NoError(t, p.FlushPage(id))

	fetched, err := p.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, byte(0x77), fetched.Data()[testPageSize-1])
	require.NoError(t, p.UnpinPage(id, false))

	require.NoError(t, p.FlushAllPages())
	require.NoError(t, p.DeletePage(id))
}
