// Package mizu assembles the storage core: disk manager, write-ahead
// log, sharded buffer pool, lock manager and transaction manager, built
// from a single configuration.
package mizu

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mizudb/mizu/core/buffer"
	"github.com/mizudb/mizu/core/concurrency"
	"github.com/mizudb/mizu/core/indexing/hash"
	"github.com/mizudb/mizu/core/storage/disk"
	pagemanager "github.com/mizudb/mizu/core/storage/pagemanager"
	"github.com/mizudb/mizu/core/storage/wal"
	"github.com/mizudb/mizu/pkg/config"
	"github.com/mizudb/mizu/pkg/logger"
	"github.com/mizudb/mizu/pkg/telemetry"
)

// Engine is the running storage core.
type Engine struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics

	diskManager *disk.Manager
	logManager  *wal.Manager
	bufferPool  *buffer.ParallelManager
	lockManager *concurrency.LockManager
	txnManager  *concurrency.TransactionManager

	telemetryShutdown telemetry.ShutdownFunc
}

// Open builds the engine from configuration. Relative data and WAL
// paths are resolved under baseDir.
func Open(baseDir string, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	metrics, telemetryShutdown, err := telemetry.Serve(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	dataFile := cfg.DataFile
	if !filepath.IsAbs(dataFile) {
		dataFile = filepath.Join(baseDir, dataFile)
	}
	walDir := cfg.WAL.Dir
	if !filepath.IsAbs(walDir) {
		walDir = filepath.Join(baseDir, walDir)
	}

	diskManager, err := disk.NewManager(dataFile, cfg.PageSize, log)
	if err != nil {
		return nil, err
	}
	logManager, err := wal.NewManager(walDir, cfg.WAL.BufferSize, log)
	if err != nil {
		_ = diskManager.Close()
		return nil, err
	}

	bufferPool := buffer.NewParallelManager(cfg.NumInstances, cfg.PoolSize, diskManager, logManager, metrics, log)
	lockManager := concurrency.NewLockManager(metrics, log)
	txnManager := concurrency.NewTransactionManager(lockManager, logManager, metrics, log)

	log.Info("storage core open",
		zap.String("dataFile", dataFile),
		zap.Int("pageSize", cfg.PageSize),
		zap.Int("poolSize", cfg.PoolSize),
		zap.Int("numInstances", cfg.NumInstances))

	return &Engine{
		cfg:               cfg,
		log:               log,
		metrics:           metrics,
		diskManager:       diskManager,
		logManager:        logManager,
		bufferPool:        bufferPool,
		lockManager:       lockManager,
		txnManager:        txnManager,
		telemetryShutdown: telemetryShutdown,
	}, nil
}

// BufferPool returns the sharded buffer pool.
func (e *Engine) BufferPool() buffer.BufferPoolManager { return e.bufferPool }

// LockManager returns the row lock manager.
func (e *Engine) LockManager() *concurrency.LockManager { return e.lockManager }

// TransactionManager returns the transaction manager.
func (e *Engine) TransactionManager() *concurrency.TransactionManager { return e.txnManager }

// NewUint64HashIndex creates an extendible hash index mapping uint64
// keys to RIDs on this engine's buffer pool.
func (e *Engine) NewUint64HashIndex() *hash.ExtendibleHashTable[uint64, pagemanager.RID] {
	return hash.NewExtendibleHashTable[uint64, pagemanager.RID](
		e.bufferPool,
		e.cfg.PageSize,
		hash.Uint64Codec{},
		hash.RIDCodec{},
		hash.Uint64Comparator,
		hash.Uint64FarmHash,
		e.log,
	)
}

// Checkpoint quiesces all transactions, flushes every buffered page and
// brackets the pause with checkpoint log records.
func (e *Engine) Checkpoint() error {
	e.txnManager.BlockAllTransactions()
	defer e.txnManager.ResumeTransactions()

	if _, err := e.logManager.Append(&wal.Record{Type: wal.RecordTypeCheckpointStart}); err != nil {
		return err
	}
	if err := e.bufferPool.FlushAllPages(); err != nil {
		return err
	}
	if err := e.diskManager.Sync(); err != nil {
		return err
	}
	if _, err := e.logManager.Append(&wal.Record{Type: wal.RecordTypeCheckpointEnd}); err != nil {
		return err
	}
	if err := e.logManager.Sync(); err != nil {
		return err
	}
	e.log.Info("checkpoint complete")
	return nil
}

// Close flushes and shuts the engine down: pages, log, disk, telemetry.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if err := e.bufferPool.FlushAllPages(); err != nil {
		firstErr = err
	}
	if err := e.logManager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.diskManager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.telemetryShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = e.log.Sync()
	return firstErr
}
