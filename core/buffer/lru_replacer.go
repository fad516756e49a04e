package buffer

import (
	"container/list"
	"sync"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// LRUReplacer tracks the frames that are eligible for eviction, in
// recency order: the most recently unpinned frame sits at the front of
// the list and Victim takes from the back. Every operation is O(1).
//
// Pin and Unpin here are the inverse of the buffer pool's notions: a
// frame pinned by the pool is removed from the replacer, and a frame
// whose pin count drops to zero is unpinned into it.
type LRUReplacer struct {
	mu       sync.Mutex
	numPages int
	frames   *list.List
	index    map[pagemanager.FrameID]*list.Element
}

// NewLRUReplacer creates a replacer able to track up to numPages frames.
func NewLRUReplacer(numPages int) *LRUReplacer {
	return &LRUReplacer{
		numPages: numPages,
		frames:   list.New(),
		index:    make(map[pagemanager.FrameID]*list.Element, numPages),
	}
}

// Victim removes and returns the least recently unpinned frame. The
// second return is false when no frame is tracked.
func (r *LRUReplacer) Victim() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	back := r.frames.Back()
	if back == nil {
		return pagemanager.FrameID(pagemanager.InvalidPageID), false
	}
	frameID := r.frames.Remove(back).(pagemanager.FrameID)
	delete(r.index, frameID)
	return frameID, true
}

// Pin removes the frame from eviction tracking. Unknown frames are a
// no-op.
func (r *LRUReplacer) Pin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.index[frameID]
	if !ok {
		return
	}
	r.frames.Remove(elem)
	delete(r.index, frameID)
}

// Unpin inserts the frame at the most-recent end. Idempotent: a frame
// already tracked keeps its position.
func (r *LRUReplacer) Unpin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[frameID]; ok {
		return
	}
	r.index[frameID] = r.frames.PushFront(frameID)
}

// Size returns the number of frames currently tracked.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames.Len()
}
