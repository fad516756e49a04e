// Package wal provides the append-only log the storage core treats as
// an opaque durability sink. The buffer pool syncs the log before it
// writes back a page that carries an LSN; the transaction manager records lifecycle
// events. There is no replay here: recovery is out of scope.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
)

// LSN is a log sequence number, assigned monotonically by Append.
type LSN = pagemanager.LSN

const InvalidLSN = pagemanager.InvalidLSN

// RecordType tags a log record.
type RecordType byte

const (
	RecordTypeUpdate RecordType = iota + 1
	RecordTypeNewPage
	RecordTypeFreePage
	RecordTypeBeginTxn
	RecordTypeCommitTxn
	RecordTypeAbortTxn
	RecordTypeCheckpointStart
	RecordTypeCheckpointEnd
)

// Record is a single log entry. Data is opaque to the log manager.
type Record struct {
	LSN     LSN
	PrevLSN LSN
	TxnID   uint64
	Type    RecordType
	PageID  pagemanager.PageID
	Data    []byte
}

const recordHeaderSize = 8 + 8 + 8 + 1 + 4 + 4 // LSN, PrevLSN, TxnID, Type, PageID, len(Data)

// encode appends the record's wire form to buf.
func (r *Record) encode(buf *bytes.Buffer) {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(r.LSN))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(hdr[16:24], r.TxnID)
	hdr[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(hdr[25:29], uint32(r.PageID))
	binary.LittleEndian.PutUint32(hdr[29:33], uint32(len(r.Data)))
	buf.Write(hdr[:])
	buf.Write(r.Data)
}

// Manager buffers log records in memory and flushes them to a single
// segment file, either when the buffer fills, on an explicit Sync, or
// from a background flusher woken by Append.
type Manager struct {
	mu         sync.Mutex
	buffer     *bytes.Buffer
	bufferSize int
	currentLSN LSN
	flushedLSN LSN
	file       *os.File
	logger     *zap.Logger

	flushReq chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates the log directory if needed and opens the segment
// file for appending.
func NewManager(logDir string, bufferSize int, logger *zap.Logger) (*Manager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive, got %d", bufferSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, "mizu.wal")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	m := &Manager{
		buffer:     bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize: bufferSize,
		file:       file,
		logger:     logger,
		flushReq:   make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.flusher()
	return m, nil
}

// Append assigns the next LSN, buffers the record, and wakes the
// flusher if the buffer crossed its high-water mark.
func (m *Manager) Append(r *Record) (LSN, error) {
	m.mu.Lock()
	m.currentLSN++
	r.LSN = m.currentLSN
	r.encode(m.buffer)
	full := m.buffer.Len() >= m.bufferSize
	lsn := r.LSN
	m.mu.Unlock()

	if full {
		select {
		case m.flushReq <- struct{}{}:
		default:
		}
	}
	return lsn, nil
}

// Sync flushes every buffered record and fsyncs the segment file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// CurrentLSN returns the last assigned LSN.
func (m *Manager) CurrentLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLSN
}

// FlushedLSN returns the last LSN known durable.
func (m *Manager) FlushedLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLSN
}

// flushLocked drains the buffer into the segment file. Callers hold mu.
func (m *Manager) flushLocked() error {
	if m.file == nil {
		return fmt.Errorf("log manager is closed")
	}
	if m.buffer.Len() == 0 {
		return nil
	}
	if _, err := m.file.Write(m.buffer.Bytes()); err != nil {
		return fmt.Errorf("failed to write log buffer: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log segment: %w", err)
	}
	m.buffer.Reset()
	m.flushedLSN = m.currentLSN
	return nil
}

// flusher drains the buffer whenever Append signals pressure.
func (m *Manager) flusher() {
	defer m.wg.Done()
	for {
		select {
		case <-m.flushReq:
			m.mu.Lock()
			if err := m.flushLocked(); err != nil {
				m.logger.Error("background log flush failed", zap.Error(err))
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// Close flushes outstanding records, stops the flusher and closes the
// segment file.
func (m *Manager) Close() error {
	close(m.stop)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	flushErr := m.flushLocked()
	closeErr := m.file.Close()
	m.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
