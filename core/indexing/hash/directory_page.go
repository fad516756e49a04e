package hash

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

const (
	// MaxDepth caps the directory's global depth; 2^MaxDepth slots fit
	// on one page with room to spare.
	MaxDepth = 9

	// DirectoryArraySize is the backing capacity of the slot arrays.
	DirectoryArraySize = 1 << MaxDepth

	dirOffPageID      = 0
	dirOffLSN         = 4
	dirOffGlobalDepth = 8
	dirOffBucketIDs   = 12
	dirOffLocalDepths = dirOffBucketIDs + 4*DirectoryArraySize
)

// DirectoryPage is a typed view over the extendible hash table's
// directory page. Layout: header {pageID int32, lsn uint32, globalDepth
// uint32}, then bucketPageIDs[512] int32, then localDepths[512] uint8.
// Mutations go straight into the underlying page image; the caller owns
// pinning, latching and dirty accounting.
type DirectoryPage struct {
	page *pagemanager.Page
}

func directoryView(page *pagemanager.Page) *DirectoryPage {
	return &DirectoryPage{page: page}
}

func (d *DirectoryPage) data() []byte { return d.page.Data() }

// Init stamps a freshly allocated page as an empty directory of global
// depth zero.
func (d *DirectoryPage) Init(pageID pagemanager.PageID) {
	d.SetPageID(pageID)
	binary.LittleEndian.PutUint32(d.data()[dirOffGlobalDepth:], 0)
	for i := 0; i < DirectoryArraySize; i++ {
		d.SetBucketPageID(uint32(i), pagemanager.InvalidPageID)
		d.SetLocalDepth(uint32(i), 0)
	}
}

// PageID returns the directory's own page id.
func (d *DirectoryPage) PageID() pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint32(d.data()[dirOffPageID:]))
}

// SetPageID records the directory's own page id in the header.
func (d *DirectoryPage) SetPageID(pageID pagemanager.PageID) {
	binary.LittleEndian.PutUint32(d.data()[dirOffPageID:], uint32(pageID))
}

// GlobalDepth returns the number of low hash bits indexing the directory.
func (d *DirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data()[dirOffGlobalDepth:])
}

// GlobalDepthMask masks a hash down to a directory index.
func (d *DirectoryPage) GlobalDepthMask() uint32 {
	return (1 << d.GlobalDepth()) - 1
}

// IncrGlobalDepth doubles the directory view.
func (d *DirectoryPage) IncrGlobalDepth() {
	binary.LittleEndian.PutUint32(d.data()[dirOffGlobalDepth:], d.GlobalDepth()+1)
}

// DecrGlobalDepth halves the directory view.
func (d *DirectoryPage) DecrGlobalDepth() {
	binary.LittleEndian.PutUint32(d.data()[dirOffGlobalDepth:], d.GlobalDepth()-1)
}

// Size returns the number of live directory slots, 2^globalDepth.
func (d *DirectoryPage) Size() uint32 {
	return 1 << d.GlobalDepth()
}

// GetBucketPageID returns the bucket page bound to a slot.
func (d *DirectoryPage) GetBucketPageID(idx uint32) pagemanager.PageID {
	return pagemanager.PageID(binary.LittleEndian.Uint32(d.data()[dirOffBucketIDs+4*int(idx):]))
}

// SetBucketPageID binds a slot to a bucket page.
func (d *DirectoryPage) SetBucketPageID(idx uint32, pageID pagemanager.PageID) {
	binary.LittleEndian.PutUint32(d.data()[dirOffBucketIDs+4*int(idx):], uint32(pageID))
}

// GetLocalDepth returns a slot's local depth.
func (d *DirectoryPage) GetLocalDepth(idx uint32) uint32 {
	return uint32(d.data()[dirOffLocalDepths+int(idx)])
}

// SetLocalDepth sets a slot's local depth.
func (d *DirectoryPage) SetLocalDepth(idx uint32, depth uint8) {
	d.data()[dirOffLocalDepths+int(idx)] = depth
}

// IncrLocalDepth bumps a slot's local depth.
func (d *DirectoryPage) IncrLocalDepth(idx uint32) {
	d.data()[dirOffLocalDepths+int(idx)]++
}

// DecrLocalDepth lowers a slot's local depth.
func (d *DirectoryPage) DecrLocalDepth(idx uint32) {
	d.data()[dirOffLocalDepths+int(idx)]--
}

// LocalDepthMask masks a hash down to a slot's bucket discriminator.
func (d *DirectoryPage) LocalDepthMask(idx uint32) uint32 {
	return (1 << d.GetLocalDepth(idx)) - 1
}

// GetSplitImageIndex returns the sibling slot one discriminating bit
// away at the slot's current local depth.
func (d *DirectoryPage) GetSplitImageIndex(idx uint32) uint32 {
	depth := d.GetLocalDepth(idx)
	if depth == 0 {
		return idx
	}
	return idx ^ (1 << (depth - 1))
}

// CanShrink reports whether every slot's local depth sits strictly
// below the global depth, i.e. halving the view loses nothing.
func (d *DirectoryPage) CanShrink() bool {
	if d.GlobalDepth() == 0 {
		return false
	}
	for i := uint32(0); i < d.Size(); i++ {
		if d.GetLocalDepth(i) == d.GlobalDepth() {
			return false
		}
	}
	return true
}

// VerifyIntegrity checks the directory invariants: every local depth is
// bounded by the global depth, every bucket is shared by exactly
// 2^(globalDepth-localDepth) slots, and slots sharing a bucket agree on
// local depth. It panics on violation, mirroring how the table's tests
// use it as an assertion.
func (d *DirectoryPage) VerifyIntegrity() {
	pageIDToCount := map[pagemanager.PageID]uint32{}
	pageIDToLD := map[pagemanager.PageID]uint32{}

	for i := uint32(0); i < d.Size(); i++ {
		pageID := d.GetBucketPageID(i)
		ld := d.GetLocalDepth(i)
		if ld > d.GlobalDepth() {
			panic(fmt.Sprintf("hash directory: slot %d local depth %d exceeds global depth %d", i, ld, d.GlobalDepth()))
		}
		pageIDToCount[pageID]++
		if seen, ok := pageIDToLD[pageID]; ok && seen != ld {
			panic(fmt.Sprintf("hash directory: bucket %d has inconsistent local depths %d and %d", pageID, seen, ld))
		}
		pageIDToLD[pageID] = ld
	}
	for pageID, count := range pageIDToCount {
		want := uint32(1) << (d.GlobalDepth() - pageIDToLD[pageID])
		if count != want {
			panic(fmt.Sprintf("hash directory: bucket %d referenced by %d slots, want %d", pageID, count, want))
		}
	}
}
