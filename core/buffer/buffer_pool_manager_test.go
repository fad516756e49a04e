package buffer

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/storage/disk"
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

const testPageSize = 4096

// newTestInstance creates a buffer pool over a fresh database file in a
// temporary directory.
func newTestInstance(t *testing.T, poolSize int) (*Instance, *disk.Manager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	return NewInstance(poolSize, dm, nil, nil, logger), dm
}

// fillPage stamps a page's image with a recognizable byte pattern.
func fillPage(page *pagemanager.Page, pattern byte) {
	data := page.Data()
	for i := range data {
		data[i] = pattern
	}
}

// TestBufferPool_NewPageAndRoundTrip verifies that data written through
// a pinned page survives eviction and fetches back byte-identical.
func TestBufferPool_NewPageAndRoundTrip(t *testing.T) {
	bpm, _ := newTestInstance(t, 3)

	page0, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(0), page0.ID())
	fillPage(page0, 0xAB)
	require.NoError(t, bpm.UnpinPage(page0.ID(), true))

	// Cycle enough new pages through the pool to evict page 0.
	for i := 0; i < 3; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(p.ID(), false))
	}

	fetched, err := bpm.FetchPage(0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, testPageSize), fetched.Data())
	require.NoError(t, bpm.UnpinPage(0, false))
}

// TestBufferPool_LRUVictim is the pool_size=3 eviction scenario: after
// unpinning P0, P1, P2 in that order, the next NewPage reclaims P0's
// frame and P0's dirty bytes reach disk.
func TestBufferPool_LRUVictim(t *testing.T) {
	bpm, dm := newTestInstance(t, 3)

	pages := make([]*pagemanager.Page, 3)
	for i := range pages {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		pages[i] = p
	}
	fillPage(pages[0], 0xD0)

	require.NoError(t, bpm.UnpinPage(pages[0].ID(), true))
	require.NoError(t, bpm.UnpinPage(pages[1].ID(), false))
	require.NoError(t, bpm.UnpinPage(pages[2].ID(), false))

	frameOfP0 := bpm.pageTable[pages[0].ID()]

	p3, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, frameOfP0, bpm.pageTable[p3.ID()], "new page must reuse the LRU frame that held P0")
	_, resident := bpm.pageTable[pagemanager.PageID(0)]
	require.False(t, resident, "P0 must be evicted")

	diskImage := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(0, diskImage))
	require.Equal(t, bytes.Repeat([]byte{0xD0}, testPageSize), diskImage, "P0's dirty bytes must be written back on eviction")
}

// TestBufferPool_AllPinned verifies NewPage and FetchPage fail with
// ErrBufferPoolFull when every frame is pinned.
func TestBufferPool_AllPinned(t *testing.T) {
	bpm, _ := newTestInstance(t, 2)

	for i := 0; i < 2; i++ {
		_, err := bpm.NewPage()
		require.NoError(t, err)
	}

	_, err := bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)
	_, err = bpm.FetchPage(99)
	require.ErrorIs(t, err, ErrBufferPoolFull)
}

// TestBufferPool_UnpinSemantics verifies pin counting, the sticky dirty
// bit, and the unpin failure cases.
func TestBufferPool_UnpinSemantics(t *testing.T) {
	bpm, _ := newTestInstance(t, 2)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	id := page.ID()

	// Second pin through a fetch hit.
	_, err = bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, 2, page.PinCount())

	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.UnpinPage(id, false))
	require.True(t, page.IsDirty(), "dirty is sticky across unpins")

	require.ErrorIs(t, bpm.UnpinPage(id, false), ErrPageNotPinned)
	require.ErrorIs(t, bpm.UnpinPage(777, false), ErrPageNotFound)
}

// TestBufferPool_FlushPage verifies FlushPage writes regardless of pin
// status, clears the dirty bit, and matches the in-memory image on disk.
func TestBufferPool_FlushPage(t *testing.T) {
	bpm, dm := newTestInstance(t, 2)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	fillPage(page, 0x5C)

	// Still pinned: flushing is orthogonal to pinning.
	require.NoError(t, bpm.FlushPage(page.ID()))
	require.False(t, page.IsDirty())

	diskImage := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(page.ID(), diskImage))
	require.Equal(t, page.Data(), diskImage)

	require.ErrorIs(t, bpm.FlushPage(123), ErrPageNotFound)
}

// TestBufferPool_DeletePage verifies the delete contract: pinned pages
// refuse, unpinned pages free their frame, absent pages succeed.
func TestBufferPool_DeletePage(t *testing.T) {
	bpm, _ := newTestInstance(t, 2)

	page, err := bpm.NewPage()
	require.NoError(t, err)
	id := page.ID()

	require.ErrorIs(t, bpm.DeletePage(id), ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(id, false))
	require.NoError(t, bpm.DeletePage(id))
	require.NoError(t, bpm.DeletePage(999), "deleting a non-resident page succeeds")

	// The freed frame is reusable.
	_, err = bpm.NewPage()
	require.NoError(t, err)
	_, err = bpm.NewPage()
	require.NoError(t, err)
}

// TestBufferPool_Invariants checks the structural invariant after a
// mixed workload: every page-table entry points at a frame holding that
// page, and frames are tracked by the replacer exactly when unpinned.
func TestBufferPool_Invariants(t *testing.T) {
	bpm, _ := newTestInstance(t, 4)

	var ids []pagemanager.PageID
	for i := 0; i < 4; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}
	require.NoError(t, bpm.UnpinPage(ids[1], false))
	require.NoError(t, bpm.UnpinPage(ids[3], true))

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	require.Equal(t, bpm.poolSize, len(bpm.pageTable)+len(bpm.freeList))
	for pageID, frameID := range bpm.pageTable {
		page := bpm.pages[frameID]
		require.Equal(t, pageID, page.ID())
	}
	require.Equal(t, 2, bpm.replacer.Size())
}

// TestBufferPool_AllocatePageStriping verifies the sharded allocation
// invariant: ids handed out by instance k of n satisfy id mod n == k.
func TestBufferPool_AllocatePageStriping(t *testing.T) {
	logger := zap.NewNop()
	dm, err := disk.NewManager(filepath.Join(t.TempDir(), "test.db"), testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	inst := NewShardedInstance(4, 3, 2, dm, nil, nil, logger)
	for i := 0; i < 4; i++ {
		p, err := inst.NewPage()
		require.NoError(t, err)
		require.Equal(t, pagemanager.PageID(2+3*i), p.ID())
		require.NoError(t, inst.UnpinPage(p.ID(), false))
	}
}
