package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// TestLRUReplacer_VictimOrder verifies that Victim returns frames in
// unpin order: the earliest unpinned frame is the first victim.
func TestLRUReplacer_VictimOrder(t *testing.T) {
	r := NewLRUReplacer(7)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 3, r.Size())

	for _, want := range []pagemanager.FrameID{1, 2, 3} {
		got, ok := r.Victim()
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok := r.Victim()
	require.False(t, ok, "empty replacer must report no victim")
}

// TestLRUReplacer_PinRemovesFrame verifies that pinning removes a frame
// from eviction candidacy and that pinning an untracked frame is a no-op.
func TestLRUReplacer_PinRemovesFrame(t *testing.T) {
	r := NewLRUReplacer(7)

	r.Unpin(1)
	r.Unpin(2)
	r.Pin(1)
	r.Pin(42) // untracked, no-op
	require.Equal(t, 1, r.Size())

	got, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), got)
}

// TestLRUReplacer_UnpinIdempotent verifies that unpinning a frame twice
// leaves its recency position unchanged.
func TestLRUReplacer_UnpinIdempotent(t *testing.T) {
	r := NewLRUReplacer(7)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(1) // must not move frame 1 to the recent end
	require.Equal(t, 2, r.Size())

	got, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), got)
}

// TestLRUReplacer_PinThenUnpinMovesToRecentEnd verifies that a frame
// re-unpinned after a pin becomes the most recently used.
func TestLRUReplacer_PinThenUnpinMovesToRecentEnd(t *testing.T) {
	r := NewLRUReplacer(7)

	r.Unpin(1)
	r.Unpin(2)
	r.Pin(1)
	r.Unpin(1)

	got, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), got)

	got, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), got)
}
