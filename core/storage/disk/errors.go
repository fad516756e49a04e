package disk

import "errors"

var (
	ErrIO         = errors.New("i/o error")
	ErrClosed     = errors.New("disk manager is closed")
	ErrBadPageID  = errors.New("invalid page id")
	ErrShortWrite = errors.New("short page write")
)
