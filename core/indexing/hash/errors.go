package hash

import "errors"

var (
	ErrDuplicateEntry = errors.New("entry already present in hash table")
	ErrTableFull      = errors.New("hash table reached maximum directory depth")
)
