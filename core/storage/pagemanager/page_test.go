package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPage_PinAccounting verifies pin counting never goes negative and
// the dirty/LSN metadata round-trips.
func TestPage_PinAccounting(t *testing.T) {
	p := NewPage(128)
	require.Equal(t, InvalidPageID, p.ID())
	require.Len(t, p.Data(), 128)

	p.Pin()
	p.Pin()
	require.Equal(t, 2, p.PinCount())
	p.Unpin()
	p.Unpin()
	p.Unpin()
	require.Equal(t, 0, p.PinCount(), "unpin saturates at zero")

	p.SetDirty(true)
	p.SetLSN(42)
	require.True(t, p.IsDirty())
	require.Equal(t, LSN(42), p.LSN())
}

// TestPage_ResetClearsImage verifies Reset returns the frame to its
// invalid state with a zeroed image.
func TestPage_ResetClearsImage(t *testing.T) {
	p := NewPage(64)
	p.SetID(9)
	p.Pin()
	p.SetDirty(true)
	p.SetLSN(7)
	p.Data()[0] = 0xEE

	p.Reset()
	require.Equal(t, InvalidPageID, p.ID())
	require.Equal(t, 0, p.PinCount())
	require.False(t, p.IsDirty())
	require.Equal(t, InvalidLSN, p.LSN())
	require.Equal(t, byte(0), p.Data()[0])
}

// TestRID_String covers the formatting used in lock diagnostics.
func TestRID_String(t *testing.T) {
	rid := NewRID(5, 3)
	require.Equal(t, "(5,3)", rid.String())
	require.Equal(t, PageID(5), rid.PageID)
	require.Equal(t, uint32(3), rid.SlotNum)
}
