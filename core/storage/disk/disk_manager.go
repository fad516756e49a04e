// Package disk implements the file-backed disk manager underneath the
// buffer pool. Page contents are opaque byte sequences; a page lives at
// offset pageID * pageSize in a single database file.
package disk

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// Manager reads and writes fixed-size pages in a single database file.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	pageSize int
	logger   *zap.Logger

	numWrites atomic.Int64
}

// NewManager opens (or creates) the database file at filePath.
func NewManager(filePath string, pageSize int, logger *zap.Logger) (*Manager, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, filePath, err)
	}
	return &Manager{
		filePath: filePath,
		file:     file,
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

// PageSize returns the configured page size.
func (m *Manager) PageSize() int { return m.pageSize }

// NumWrites returns the number of page writes performed so far.
func (m *Manager) NumWrites() int64 { return m.numWrites.Load() }

// ReadPage reads the page's bytes into buf. Reading a page the file has
// never been extended to yet yields zeroes, so a freshly allocated page
// fetches cleanly before its first write-back.
func (m *Manager) ReadPage(pageID pagemanager.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrBadPageID, pageID)
	}
	if len(buf) != m.pageSize {
		return fmt.Errorf("page buffer size (%d) != disk manager page size (%d)", len(buf), m.pageSize)
	}
	offset := int64(pageID) * int64(m.pageSize)
	n, err := m.file.ReadAt(buf, offset)
	if err == io.EOF {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage writes the page's bytes at its slot, extending the file if
// needed. Durability is the caller's concern; see Sync.
func (m *Manager) WritePage(pageID pagemanager.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrBadPageID, pageID)
	}
	if len(buf) != m.pageSize {
		return fmt.Errorf("page buffer size (%d) != disk manager page size (%d)", len(buf), m.pageSize)
	}
	offset := int64(pageID) * int64(m.pageSize)
	n, err := m.file.WriteAt(buf, offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if n != m.pageSize {
		return fmt.Errorf("%w: page %d, wrote %d of %d bytes", ErrShortWrite, pageID, n, m.pageSize)
	}
	m.numWrites.Add(1)
	return nil
}

// DeallocatePage returns a page to the free space pool. Free space
// management is not implemented; the call is recorded and ignored.
func (m *Manager) DeallocatePage(pageID pagemanager.PageID) {
	m.logger.Debug("deallocate page (no-op)", zap.Int32("pageID", int32(pageID)))
}

// Sync flushes all buffered writes to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrClosed
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, m.filePath, err)
	}
	return nil
}

// Close syncs and closes the underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		m.logger.Warn("sync on close failed", zap.Error(err))
	}
	err := m.file.Close()
	m.file = nil
	return err
}
