// Package ember implements an embeddable, crash-consistent key/value store:
// a write-ahead log backs a mutable memtable, which is flushed to immutable,
// sorted, bloom-filtered segment files on disk, with a single-tier
// background compactor keeping the segment count bounded.
package ember

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/memtable"
	"github.com/flashlog/ember/internal/record"
	"github.com/flashlog/ember/internal/sparseindex"
	"github.com/flashlog/ember/internal/sstable"
	"github.com/flashlog/ember/internal/wal"
	"github.com/flashlog/ember/options"
)

const walFileName = "wal.log"

// Engine is the embeddable key/value store. The zero value is not usable;
// construct one with Open or Recover.
type Engine struct {
	cfg options.Config
	dir string
	log *zap.SugaredLogger

	// mu serializes every mutation (Put, Delete, and the flush they may
	// trigger) and is read-locked by Get around the memtable lookup only,
	// matching the single-foreground-actor rule: reads run concurrently
	// with everything except an in-flight flush.
	mu       sync.RWMutex
	memtable *memtable.Memtable
	wal      *wal.WAL

	segMu    sync.RWMutex
	segments []uint64 // ascending segment ids currently on disk

	readersMu      sync.RWMutex
	segmentReaders map[uint64]*sstable.Reader

	index *sparseindex.Index

	nextSegmentID atomic.Uint64
	compacting    atomic.Bool
	closed        atomic.Bool

	compactCtx    context.Context
	compactCancel context.CancelFunc
	compactGroup  *errgroup.Group
}

// Open opens the store at cfg.DataDir for normal use. It fails with an
// errs.NotRecovered error if a non-empty WAL or a leftover backup WAL is
// present on disk, signaling that Recover must be called instead.
func Open(cfg options.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.New(errs.IO, "create data directory", err).WithPath(cfg.DataDir)
	}

	walPath := filepath.Join(cfg.DataDir, walFileName)
	if info, err := os.Stat(walPath); err == nil {
		if info.Size() > 0 {
			return nil, errs.New(errs.NotRecovered, "WAL is non-empty; call Recover instead of Open", nil).WithPath(walPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.New(errs.IO, "stat WAL file", err).WithPath(walPath)
	}
	if backups, err := filepath.Glob(walPath + ".bak-*"); err == nil && len(backups) > 0 {
		return nil, errs.New(errs.NotRecovered, "a backup WAL from a failed truncate exists; call Recover instead of Open", nil).WithPath(backups[0])
	}

	return bootstrap(cfg)
}

// Recover opens the store at cfg.DataDir after an unclean shutdown: it
// rebuilds the sparse index from on-disk segments, replays the WAL into a
// fresh memtable, and truncates any corrupt or partial trailing WAL record
// before resuming normal operation.
func Recover(cfg options.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.New(errs.IO, "create data directory", err).WithPath(cfg.DataDir)
	}
	return bootstrap(cfg)
}

func bootstrap(cfg options.Config) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:            cfg,
		dir:            cfg.DataDir,
		log:            logger.Sugar(),
		index:          sparseindex.New(),
		segmentReaders: make(map[uint64]*sstable.Reader),
		compactCtx:     gctx,
		compactCancel:  cancel,
		compactGroup:   group,
	}

	ids, err := sstable.Discover(cfg.DataDir)
	if err != nil {
		cancel()
		return nil, err
	}
	e.segments = ids

	var maxID uint64
	samples := make(map[string]sparseindex.Address)
	for _, id := range ids {
		r, err := sstable.Open(filepath.Join(cfg.DataDir, sstable.FileName(id)))
		if err != nil {
			cancel()
			return nil, err
		}
		e.segmentReaders[id] = r
		for _, s := range r.Samples() {
			samples[string(s.Key)] = sparseindex.Address{SegmentID: id, Offset: s.Offset}
		}
		if id > maxID {
			maxID = id
		}
	}
	if len(ids) > 0 {
		e.index.ApplyFlush(samples)
		e.nextSegmentID.Store(maxID + 1)
	}

	walPath := filepath.Join(cfg.DataDir, walFileName)
	result, err := wal.Replay(walPath, cfg.BlockSize)
	if err != nil {
		cancel()
		return nil, err
	}
	if result.Truncated {
		e.log.Warnw("discarding corrupt or partial trailing WAL record", "valid_bytes", result.ValidBytes)
		if err := wal.Truncate(walPath, result.ValidBytes, time.Now().UnixNano()); err != nil {
			cancel()
			return nil, err
		}
	}

	mt := memtable.New()
	for _, rec := range result.Records {
		applyToMemtable(mt, rec)
	}
	e.memtable = mt

	w, err := wal.Open(walPath, cfg.BlockSize)
	if err != nil {
		cancel()
		return nil, err
	}
	e.wal = w

	if e.shouldCompact() {
		e.triggerCompaction()
	}

	return e, nil
}

func applyToMemtable(mt *memtable.Memtable, rec record.Record) {
	if rec.Marker == record.Dead {
		mt.Delete(rec.Key)
		return
	}
	mt.Put(rec.Key, rec.Value)
}

// Close stops background compaction, waits for any in-flight run to finish
// or cancel, and closes the WAL and every open segment reader. Close is
// idempotent; calling it more than once after the first succeeds is a no-op.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.compactCancel()
	// Background compaction always reports its own failures via logging and
	// retries on the next trigger rather than propagating an error here, so
	// Wait only serves to block until any in-flight run has exited cleanly.
	_ = e.compactGroup.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.readersMu.Lock()
	for _, r := range e.segmentReaders {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.readersMu.Unlock()

	return firstErr
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return errs.New(errs.Invariant, "engine is closed", nil)
	}
	return nil
}

func (e *Engine) allocSegmentID() uint64 {
	return e.nextSegmentID.Add(1) - 1
}

func (e *Engine) readerFor(id uint64) (*sstable.Reader, bool) {
	e.readersMu.RLock()
	defer e.readersMu.RUnlock()
	r, ok := e.segmentReaders[id]
	return r, ok
}

func (e *Engine) segmentSnapshot() []uint64 {
	e.segMu.RLock()
	defer e.segMu.RUnlock()
	return append([]uint64(nil), e.segments...)
}

func sortSegments(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
