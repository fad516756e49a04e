package buffer

import "errors"

var (
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPagePinned     = errors.New("page is pinned and cannot be deleted")
	ErrPageNotPinned  = errors.New("page has no outstanding pins")
)
