package hash

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// Codec serializes fixed-width keys or values into page slots. Size
// must be constant for a given codec: the bucket layout is computed
// from it.
type Codec[T any] interface {
	Size() int
	Encode(v T, buf []byte)
	Decode(buf []byte) T
}

// Comparator orders two keys; it returns 0 on equality.
type Comparator[K any] func(a, b K) int

// HashFunc maps a key to the 32-bit hash the directory indexes with.
type HashFunc[K any] func(key K) uint32

// Uint64Codec stores uint64 keys or values in 8 bytes, little endian.
type Uint64Codec struct{}

func (Uint64Codec) Size() int                 { return 8 }
func (Uint64Codec) Encode(v uint64, b []byte) { binary.LittleEndian.PutUint64(b, v) }
func (Uint64Codec) Decode(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

// RIDCodec stores a record id in 8 bytes: page id then slot number.
type RIDCodec struct{}

func (RIDCodec) Size() int { return 8 }

func (RIDCodec) Encode(v pagemanager.RID, b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(v.PageID))
	binary.LittleEndian.PutUint32(b[4:8], v.SlotNum)
}

func (RIDCodec) Decode(b []byte) pagemanager.RID {
	return pagemanager.RID{
		PageID:  pagemanager.PageID(binary.LittleEndian.Uint32(b[0:4])),
		SlotNum: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// Uint64Comparator orders uint64 keys.
func Uint64Comparator(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Uint64FarmHash hashes a uint64 key with farmhash and keeps the low
// 32 bits, the extendible directory's indexing convention.
func Uint64FarmHash(key uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return uint32(farm.Hash64(buf[:]))
}
