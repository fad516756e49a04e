package pagemanager

import "fmt"

// RID identifies a record by the page it lives on and its slot within
// that page. It is opaque to the storage core; the lock manager and the
// transaction write sets use it as a map key.
type RID struct {
	PageID  PageID
	SlotNum uint32
}

// NewRID builds a RID from its parts.
func NewRID(pageID PageID, slotNum uint32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}
