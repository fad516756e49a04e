package hash

import (
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// Entry is one (key, value) pair stored in a bucket.
type Entry[K any, V comparable] struct {
	Key   K
	Value V
}

// bucketLayout holds the slot geometry derived from the page size and
// the codec widths: two bitmaps followed by the fixed-width slot array.
type bucketLayout struct {
	arraySize   int
	bitmapBytes int
	entrySize   int
	readableOff int
	arrayOff    int
}

// newBucketLayout solves for the largest slot count whose bitmaps and
// array still fit in one page: arraySize ≈ 4*pageSize/(4*entrySize+1).
func newBucketLayout(pageSize, keySize, valueSize int) bucketLayout {
	entrySize := keySize + valueSize
	arraySize := 4 * pageSize / (4*entrySize + 1)
	for 2*((arraySize+7)/8)+arraySize*entrySize > pageSize {
		arraySize--
	}
	bitmapBytes := (arraySize + 7) / 8
	return bucketLayout{
		arraySize:   arraySize,
		bitmapBytes: bitmapBytes,
		entrySize:   entrySize,
		readableOff: bitmapBytes,
		arrayOff:    2 * bitmapBytes,
	}
}

// BucketPage is a typed view over one bucket page: an occupied bitmap
// (slot was ever used; sticky until Clear), a readable bitmap (slot
// holds a live entry), and the slot array. The occupied bits let scans
// stop at the first never-used slot.
type BucketPage[K any, V comparable] struct {
	page     *pagemanager.Page
	layout   bucketLayout
	keyCodec Codec[K]
	valCodec Codec[V]
	cmp      Comparator[K]
}

func (b *BucketPage[K, V]) data() []byte { return b.page.Data() }

// Capacity returns the number of slots in the bucket.
func (b *BucketPage[K, V]) Capacity() int { return b.layout.arraySize }

// IsOccupied reports whether the slot was ever used.
func (b *BucketPage[K, V]) IsOccupied(idx int) bool {
	return b.data()[idx/8]&(1<<(idx%8)) != 0
}

func (b *BucketPage[K, V]) setOccupied(idx int) {
	b.data()[idx/8] |= 1 << (idx % 8)
}

// IsReadable reports whether the slot holds a live entry.
func (b *BucketPage[K, V]) IsReadable(idx int) bool {
	return b.data()[b.layout.readableOff+idx/8]&(1<<(idx%8)) != 0
}

func (b *BucketPage[K, V]) setReadable(idx int, readable bool) {
	if readable {
		b.data()[b.layout.readableOff+idx/8] |= 1 << (idx % 8)
	} else {
		b.data()[b.layout.readableOff+idx/8] &^= 1 << (idx % 8)
	}
}

func (b *BucketPage[K, V]) slot(idx int) []byte {
	off := b.layout.arrayOff + idx*b.layout.entrySize
	return b.data()[off : off+b.layout.entrySize]
}

// KeyAt decodes the key stored in a slot.
func (b *BucketPage[K, V]) KeyAt(idx int) K {
	return b.keyCodec.Decode(b.slot(idx)[:b.keyCodec.Size()])
}

// ValueAt decodes the value stored in a slot.
func (b *BucketPage[K, V]) ValueAt(idx int) V {
	return b.valCodec.Decode(b.slot(idx)[b.keyCodec.Size():])
}

// GetValue collects every live value stored under key. The scan stops
// at the first slot that was never occupied: insertion always takes the
// first non-readable slot, so nothing lives past that point.
func (b *BucketPage[K, V]) GetValue(key K) []V {
	var result []V
	for i := 0; i < b.layout.arraySize; i++ {
		if !b.IsReadable(i) {
			if !b.IsOccupied(i) {
				break
			}
			continue
		}
		if b.cmp(key, b.KeyAt(i)) == 0 {
			result = append(result, b.ValueAt(i))
		}
	}
	return result
}

// Insert places (key, value) into the first free slot. It fails when
// the bucket is full or the exact pair is already present; distinct
// values under the same key are allowed.
func (b *BucketPage[K, V]) Insert(key K, value V) bool {
	if b.IsFull() {
		return false
	}
	for _, v := range b.GetValue(key) {
		if v == value {
			return false
		}
	}
	for i := 0; i < b.layout.arraySize; i++ {
		if b.IsReadable(i) {
			continue
		}
		slot := b.slot(i)
		b.keyCodec.Encode(key, slot[:b.keyCodec.Size()])
		b.valCodec.Encode(value, slot[b.keyCodec.Size():])
		b.setReadable(i, true)
		b.setOccupied(i)
		return true
	}
	return false
}

// Remove clears the readable bit of the slot holding (key, value),
// leaving occupied set so scans keep their stop-early property.
func (b *BucketPage[K, V]) Remove(key K, value V) bool {
	for i := 0; i < b.layout.arraySize; i++ {
		if !b.IsReadable(i) {
			if !b.IsOccupied(i) {
				break
			}
			continue
		}
		if b.cmp(key, b.KeyAt(i)) == 0 && b.ValueAt(i) == value {
			b.setReadable(i, false)
			return true
		}
	}
	return false
}

// NumReadable counts the live entries.
func (b *BucketPage[K, V]) NumReadable() int {
	count := 0
	for i := 0; i < b.layout.bitmapBytes; i++ {
		bits := b.data()[b.layout.readableOff+i]
		for bits != 0 {
			count += int(bits & 1)
			bits >>= 1
		}
	}
	return count
}

// IsFull reports whether every slot holds a live entry.
func (b *BucketPage[K, V]) IsFull() bool {
	return b.NumReadable() == b.layout.arraySize
}

// IsEmpty reports whether no slot holds a live entry.
func (b *BucketPage[K, V]) IsEmpty() bool {
	return b.NumReadable() == 0
}

// GetArrayCopy returns a compact copy of the live entries, used by the
// split path before redistributing.
func (b *BucketPage[K, V]) GetArrayCopy() []Entry[K, V] {
	entries := make([]Entry[K, V], 0, b.NumReadable())
	for i := 0; i < b.layout.arraySize; i++ {
		if !b.IsReadable(i) {
			if !b.IsOccupied(i) {
				break
			}
			continue
		}
		entries = append(entries, Entry[K, V]{Key: b.KeyAt(i), Value: b.ValueAt(i)})
	}
	return entries
}

// Clear zeroes the bitmaps and the slot array.
func (b *BucketPage[K, V]) Clear() {
	end := b.layout.arrayOff + b.layout.arraySize*b.layout.entrySize
	data := b.data()
	for i := 0; i < end; i++ {
		data[i] = 0
	}
}
