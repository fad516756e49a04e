// Package hash implements a disk-resident extendible hash table: one
// directory page routing the low bits of a key's hash to bucket pages,
// with directory doubling on bucket splits and merging of emptied
// buckets. All pages live in the buffer pool; concurrency uses a
// table-level reader/writer latch over per-page latches, acquired in
// that order only.
package hash

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/buffer"
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// ExtendibleHashTable is a persistent hash index over fixed-width keys
// and values. Point reads and non-splitting writes run under the table
// read latch plus a bucket page latch; splits and merges serialize on
// the table write latch.
type ExtendibleHashTable[K any, V comparable] struct {
	bpm      buffer.BufferPoolManager
	keyCodec Codec[K]
	valCodec Codec[V]
	cmp      Comparator[K]
	hashFn   HashFunc[K]
	layout   bucketLayout
	logger   *zap.Logger

	tableLatch sync.RWMutex

	// initMu guards lazy creation of the directory page.
	initMu          sync.Mutex
	directoryPageID pagemanager.PageID
}

// NewExtendibleHashTable creates a table over the given buffer pool.
// The directory and first bucket are allocated lazily on first use.
func NewExtendibleHashTable[K any, V comparable](
	bpm buffer.BufferPoolManager,
	pageSize int,
	keyCodec Codec[K],
	valCodec Codec[V],
	cmp Comparator[K],
	hashFn HashFunc[K],
	logger *zap.Logger,
) *ExtendibleHashTable[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtendibleHashTable[K, V]{
		bpm:             bpm,
		keyCodec:        keyCodec,
		valCodec:        valCodec,
		cmp:             cmp,
		hashFn:          hashFn,
		layout:          newBucketLayout(pageSize, keyCodec.Size(), valCodec.Size()),
		logger:          logger,
		directoryPageID: pagemanager.InvalidPageID,
	}
}

// BucketCapacity returns the number of entries one bucket page holds.
func (t *ExtendibleHashTable[K, V]) BucketCapacity() int { return t.layout.arraySize }

func (t *ExtendibleHashTable[K, V]) hash(key K) uint32 { return t.hashFn(key) }

func (t *ExtendibleHashTable[K, V]) keyToDirectoryIndex(key K, dir *DirectoryPage) uint32 {
	return t.hash(key) & dir.GlobalDepthMask()
}

func (t *ExtendibleHashTable[K, V]) keyToPageID(key K, dir *DirectoryPage) pagemanager.PageID {
	return dir.GetBucketPageID(t.keyToDirectoryIndex(key, dir))
}

// fetchDirectoryPage pins the directory, allocating the directory and
// bucket 0 on first use.
func (t *ExtendibleHashTable[K, V]) fetchDirectoryPage() (*pagemanager.Page, *DirectoryPage, error) {
	t.initMu.Lock()
	if t.directoryPageID == pagemanager.InvalidPageID {
		dirPage, err := t.bpm.NewPage()
		if err != nil {
			t.initMu.Unlock()
			return nil, nil, errors.Wrap(err, "allocating hash directory page")
		}
		dir := directoryView(dirPage)
		dir.Init(dirPage.ID())

		bucketPage, err := t.bpm.NewPage()
		if err != nil {
			_ = t.bpm.UnpinPage(dirPage.ID(), false)
			t.initMu.Unlock()
			return nil, nil, errors.Wrap(err, "allocating initial hash bucket")
		}
		dir.SetBucketPageID(0, bucketPage.ID())
		dir.SetLocalDepth(0, 0)
		t.directoryPageID = dirPage.ID()

		if err := t.bpm.UnpinPage(bucketPage.ID(), true); err != nil {
			t.initMu.Unlock()
			return nil, nil, err
		}
		// Release the fresh directory dirty so eviction writes it back;
		// it is re-pinned by the fetch below.
		if err := t.bpm.UnpinPage(dirPage.ID(), true); err != nil {
			t.initMu.Unlock()
			return nil, nil, err
		}
		t.logger.Debug("hash table initialized",
			zap.Int32("directoryPageID", int32(dirPage.ID())),
			zap.Int32("bucket0PageID", int32(bucketPage.ID())))
	}
	pageID := t.directoryPageID
	t.initMu.Unlock()

	dirPage, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetching hash directory page")
	}
	return dirPage, directoryView(dirPage), nil
}

func (t *ExtendibleHashTable[K, V]) fetchBucketPage(pageID pagemanager.PageID) (*pagemanager.Page, *BucketPage[K, V], error) {
	page, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fetching hash bucket page %d", pageID)
	}
	return page, t.bucketView(page), nil
}

func (t *ExtendibleHashTable[K, V]) bucketView(page *pagemanager.Page) *BucketPage[K, V] {
	return &BucketPage[K, V]{
		page:     page,
		layout:   t.layout,
		keyCodec: t.keyCodec,
		valCodec: t.valCodec,
		cmp:      t.cmp,
	}
}

// GetValue returns every value stored under key.
func (t *ExtendibleHashTable[K, V]) GetValue(key K) ([]V, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		return nil, err
	}
	bucketPageID := t.keyToPageID(key, dir)
	bucketPage, bucket, err := t.fetchBucketPage(bucketPageID)
	if err != nil {
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		return nil, err
	}

	bucketPage.RLatch()
	result := bucket.GetValue(key)
	bucketPage.RUnlatch()

	_ = t.bpm.UnpinPage(bucketPageID, false)
	_ = t.bpm.UnpinPage(dirPage.ID(), false)
	return result, nil
}

// Insert stores (key, value). ErrDuplicateEntry if the exact pair is
// already present; ErrTableFull if a needed split would exceed the
// directory's maximum depth.
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) error {
	t.tableLatch.RLock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		t.tableLatch.RUnlock()
		return err
	}
	bucketPageID := t.keyToPageID(key, dir)
	bucketPage, bucket, err := t.fetchBucketPage(bucketPageID)
	if err != nil {
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		t.tableLatch.RUnlock()
		return err
	}

	bucketPage.WLatch()
	if !bucket.IsFull() {
		ok := bucket.Insert(key, value)
		bucketPage.WUnlatch()
		_ = t.bpm.UnpinPage(bucketPageID, ok)
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		t.tableLatch.RUnlock()
		if !ok {
			return ErrDuplicateEntry
		}
		return nil
	}
	bucketPage.WUnlatch()
	_ = t.bpm.UnpinPage(bucketPageID, false)
	_ = t.bpm.UnpinPage(dirPage.ID(), false)
	t.tableLatch.RUnlock()

	return t.splitInsert(key, value)
}

// splitInsert grows the target bucket under the table write latch, then
// retries the insert from the top: the retry re-routes through the
// updated directory and may split again if the redistribution left the
// target full.
func (t *ExtendibleHashTable[K, V]) splitInsert(key K, value V) error {
	t.tableLatch.Lock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		t.tableLatch.Unlock()
		return err
	}
	dirIdx := t.keyToDirectoryIndex(key, dir)
	oldPageID := dir.GetBucketPageID(dirIdx)
	_, oldBucket, err := t.fetchBucketPage(oldPageID)
	if err != nil {
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		t.tableLatch.Unlock()
		return err
	}

	if !oldBucket.IsFull() {
		// Someone removed entries between our latches; no split needed.
		_ = t.bpm.UnpinPage(oldPageID, false)
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		t.tableLatch.Unlock()
		return t.Insert(key, value)
	}

	localDepth := dir.GetLocalDepth(dirIdx)
	if localDepth >= MaxDepth {
		_ = t.bpm.UnpinPage(oldPageID, false)
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		t.tableLatch.Unlock()
		return ErrTableFull
	}

	// Double the directory when the bucket already uses every
	// discriminating bit.
	if localDepth == dir.GlobalDepth() {
		oldSize := dir.Size()
		dir.IncrGlobalDepth()
		for j := oldSize; j < dir.Size(); j++ {
			dir.SetBucketPageID(j, dir.GetBucketPageID(j-oldSize))
			dir.SetLocalDepth(j, uint8(dir.GetLocalDepth(j-oldSize)))
		}
	}

	imagePage, err := t.bpm.NewPage()
	if err != nil {
		_ = t.bpm.UnpinPage(oldPageID, false)
		_ = t.bpm.UnpinPage(dirPage.ID(), true)
		t.tableLatch.Unlock()
		return errors.Wrap(err, "allocating split image bucket")
	}
	imageBucket := t.bucketView(imagePage)

	entries := oldBucket.GetArrayCopy()
	oldBucket.Clear()

	newDepth := localDepth + 1
	splitBit := uint32(1) << localDepth
	newMask := (splitBit << 1) - 1
	oldPattern := dirIdx & (splitBit - 1)
	imagePattern := oldPattern | splitBit

	// Rebind every slot that shared the old bucket to either the old
	// bucket or its split image, at the new depth.
	for j := uint32(0); j < dir.Size(); j++ {
		switch j & newMask {
		case oldPattern:
			dir.SetBucketPageID(j, oldPageID)
			dir.SetLocalDepth(j, uint8(newDepth))
		case imagePattern:
			dir.SetBucketPageID(j, imagePage.ID())
			dir.SetLocalDepth(j, uint8(newDepth))
		}
	}

	for _, e := range entries {
		if t.hash(e.Key)&newMask == imagePattern {
			imageBucket.Insert(e.Key, e.Value)
		} else {
			oldBucket.Insert(e.Key, e.Value)
		}
	}

	t.logger.Debug("bucket split",
		zap.Uint32("directoryIndex", dirIdx),
		zap.Uint32("newLocalDepth", newDepth),
		zap.Uint32("globalDepth", dir.GlobalDepth()),
		zap.Int32("imagePageID", int32(imagePage.ID())))

	_ = t.bpm.UnpinPage(oldPageID, true)
	_ = t.bpm.UnpinPage(imagePage.ID(), true)
	_ = t.bpm.UnpinPage(dirPage.ID(), true)
	t.tableLatch.Unlock()

	return t.Insert(key, value)
}

// Remove deletes (key, value). The first return reports whether the
// pair was present. A bucket left empty triggers a merge attempt.
func (t *ExtendibleHashTable[K, V]) Remove(key K, value V) (bool, error) {
	t.tableLatch.RLock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		t.tableLatch.RUnlock()
		return false, err
	}
	bucketPageID := t.keyToPageID(key, dir)
	bucketPage, bucket, err := t.fetchBucketPage(bucketPageID)
	if err != nil {
		_ = t.bpm.UnpinPage(dirPage.ID(), false)
		t.tableLatch.RUnlock()
		return false, err
	}

	bucketPage.WLatch()
	removed := bucket.Remove(key, value)
	empty := bucket.IsEmpty()
	bucketPage.WUnlatch()

	_ = t.bpm.UnpinPage(bucketPageID, removed)
	_ = t.bpm.UnpinPage(dirPage.ID(), false)
	t.tableLatch.RUnlock()

	if removed && empty {
		if err := t.merge(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// merge folds emptied buckets into their split images under the table
// write latch, sweeping the directory until no fold applies so that
// merges cascade through freshly co-indexed buckets, then shrinks the
// view while every bucket sits below the global depth. Emptiness is
// re-checked under the latch: a bucket may have refilled since Remove
// released its latches.
func (t *ExtendibleHashTable[K, V]) merge() error {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		return err
	}
	dirty := false
	defer func() {
		_ = t.bpm.UnpinPage(dirPage.ID(), dirty)
	}()

	for changed := true; changed; {
		changed = false
		for j := uint32(0); j < dir.Size(); j++ {
			localDepth := dir.GetLocalDepth(j)
			if localDepth == 0 {
				continue
			}
			imageIdx := dir.GetSplitImageIndex(j)
			if dir.GetLocalDepth(imageIdx) != localDepth {
				continue
			}
			targetPageID := dir.GetBucketPageID(j)
			imagePageID := dir.GetBucketPageID(imageIdx)
			if targetPageID == imagePageID {
				continue
			}

			targetPage, targetBucket, err := t.fetchBucketPage(targetPageID)
			if err != nil {
				return err
			}
			empty := targetBucket.IsEmpty()
			_ = t.bpm.UnpinPage(targetPage.ID(), false)
			if !empty {
				continue
			}

			if err := t.bpm.DeletePage(targetPageID); err != nil {
				return errors.Wrapf(err, "freeing merged bucket page %d", targetPageID)
			}
			newDepth := uint8(localDepth - 1)
			for s := uint32(0); s < dir.Size(); s++ {
				pid := dir.GetBucketPageID(s)
				if pid == targetPageID || pid == imagePageID {
					dir.SetBucketPageID(s, imagePageID)
					dir.SetLocalDepth(s, newDepth)
				}
			}
			dirty = true
			changed = true
			t.logger.Debug("bucket merged",
				zap.Int32("freedPageID", int32(targetPageID)),
				zap.Int32("survivorPageID", int32(imagePageID)))
		}
	}

	for dir.CanShrink() {
		dir.DecrGlobalDepth()
		dirty = true
	}
	return nil
}

// GetGlobalDepth returns the directory's global depth.
func (t *ExtendibleHashTable[K, V]) GetGlobalDepth() (uint32, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		return 0, err
	}
	depth := dir.GlobalDepth()
	_ = t.bpm.UnpinPage(dirPage.ID(), false)
	return depth, nil
}

// VerifyIntegrity asserts the directory invariants; see
// DirectoryPage.VerifyIntegrity.
func (t *ExtendibleHashTable[K, V]) VerifyIntegrity() error {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dirPage, dir, err := t.fetchDirectoryPage()
	if err != nil {
		return err
	}
	dir.VerifyIntegrity()
	_ = t.bpm.UnpinPage(dirPage.ID(), false)
	return nil
}
