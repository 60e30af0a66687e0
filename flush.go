package ember

import (
	"os"
	"path/filepath"
	"time"

	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/memtable"
	"github.com/flashlog/ember/internal/sparseindex"
	"github.com/flashlog/ember/internal/sstable"
	"github.com/flashlog/ember/internal/wal"
)

// maybeFlushLocked freezes and flushes the memtable if it has grown past
// the configured threshold. Callers must hold e.mu for writing.
func (e *Engine) maybeFlushLocked() error {
	if e.memtable.ApproxBytes() < e.cfg.MemtableFlushThreshold {
		return nil
	}
	return e.flushLocked()
}

// flushLocked writes the current memtable out as a new immutable segment,
// publishes its sampled keys into the sparse index, swaps in a fresh
// memtable, and rotates the WAL — all before returning, so a crash
// immediately after Put/Delete never needs to replay more than the next
// generation's WAL. Callers must hold e.mu for writing.
//
// Everything the memtable held is still durable in the current WAL, so a
// failure anywhere before the memtable is swapped is handled uniformly:
// the WAL is backed up (not replayed or re-applied automatically — that
// drain is a separate, unimplemented tool) and an IO error is returned,
// leaving the memtable and segment set untouched and the engine usable.
func (e *Engine) flushLocked() error {
	segmentID := e.allocSegmentID()
	path := filepath.Join(e.dir, sstable.FileName(segmentID))

	summary, err := e.writeSegmentLocked(path, segmentID)
	if err != nil {
		return e.backupWALLocked(err)
	}

	samples := make(map[string]sparseindex.Address, len(summary.Samples))
	for _, s := range summary.Samples {
		samples[string(s.Key)] = sparseindex.Address{SegmentID: segmentID, Offset: s.Offset}
	}
	e.index.ApplyFlush(samples)

	reader, err := sstable.Open(path)
	if err != nil {
		return e.backupWALLocked(err)
	}
	e.readersMu.Lock()
	e.segmentReaders[segmentID] = reader
	e.readersMu.Unlock()

	e.segMu.Lock()
	e.segments = append(e.segments, segmentID)
	count := len(e.segments)
	e.segMu.Unlock()

	e.memtable = memtable.New()

	if err := e.rotateWALLocked(); err != nil {
		return err
	}

	e.log.Infow("flushed memtable to segment", "segment_id", segmentID, "records", summary.RecordCount)

	if count >= e.cfg.SegmentCompactionThreshold {
		e.triggerCompaction()
	}

	return nil
}

// writeSegmentLocked serializes the current memtable into a new segment
// file and returns its summary. Callers must hold e.mu for writing.
func (e *Engine) writeSegmentLocked(path string, segmentID uint64) (sstable.Summary, error) {
	w, err := sstable.Create(path, segmentID, e.cfg.BlockSize, e.cfg.SparseIndexSampleRate, uint(e.memtable.Len()), time.Now().Unix())
	if err != nil {
		return sstable.Summary{}, err
	}
	for rec := range e.memtable.Iterator() {
		if err := w.Append(rec); err != nil {
			return sstable.Summary{}, err
		}
	}
	return w.Close()
}

// backupWALLocked renames the current WAL aside and opens a fresh one at
// the same path, used when a flush fails before the memtable it was
// draining has been swapped out. The returned IO error wraps cause, whether
// or not the backup itself succeeds; the one exception is a failure to open
// the fresh WAL, whose error is returned instead. Callers must hold e.mu
// for writing.
func (e *Engine) backupWALLocked(cause error) error {
	path := e.wal.Path()
	if err := e.wal.Close(); err != nil {
		e.log.Errorw("failed to close WAL before backing it up after a flush failure", "error", err)
	}

	backup, err := wal.Backup(path, time.Now().UnixNano())
	if err != nil {
		e.log.Errorw("failed to back up WAL after flush failure", "error", err)
		return errs.New(errs.IO, "flush failed and WAL backup also failed", cause).WithPath(path)
	}

	next, openErr := wal.Open(path, e.cfg.BlockSize)
	if openErr != nil {
		return openErr
	}
	e.wal = next

	e.log.Errorw("flush failed; backed up WAL for later recovery", "backup_path", backup, "error", cause)
	return errs.New(errs.IO, "flush failed; WAL backed up", cause).WithPath(backup)
}

// rotateWALLocked closes and removes the WAL now that everything it held
// has been durably captured in a flushed segment, then opens a fresh one
// for the next generation. Callers must hold e.mu for writing.
func (e *Engine) rotateWALLocked() error {
	path := e.wal.Path()
	if err := e.wal.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.IO, "remove flushed WAL", err).WithPath(path)
	}
	next, err := wal.Open(path, e.cfg.BlockSize)
	if err != nil {
		return err
	}
	e.wal = next
	return nil
}

// shouldCompact reports whether the current segment count has crossed the
// compaction threshold. Safe to call without holding e.mu.
func (e *Engine) shouldCompact() bool {
	return len(e.segmentSnapshot()) >= e.cfg.SegmentCompactionThreshold
}
