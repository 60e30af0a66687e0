package ember

import (
	"time"

	"github.com/flashlog/ember/internal/compaction"
	"github.com/flashlog/ember/internal/sparseindex"
	"github.com/flashlog/ember/internal/sstable"
)

const maxCompactionAttempts = 3

// triggerCompaction starts a background compaction of the current segment
// set, if one isn't already running. It is a no-op if the engine is already
// closing or closed.
//
// The merged segment's id is allocated here, synchronously with the segment
// snapshot it will replace, rather than inside the background goroutine.
// allocSegmentID is a monotonic counter, so any segment flushed after this
// point — and therefore carrying data newer than anything in the snapshot —
// is guaranteed a higher id than the merge. Allocating the id later (after
// the goroutine starts) let a flush race in between snapshot and
// allocation and win a lower id than the merge despite being newer data,
// which made getFromSegments' newest-id-first scan return the merge's stale
// value instead.
func (e *Engine) triggerCompaction() {
	if e.closed.Load() {
		return
	}
	if !e.compacting.CompareAndSwap(false, true) {
		return
	}

	segments := e.segmentSnapshot()
	newID := e.allocSegmentID()
	e.compactGroup.Go(func() error {
		defer e.compacting.Store(false)
		e.runCompactionWithRetry(segments, newID)
		return nil
	})
}

// runCompactionWithRetry attempts a compaction of segments into newID up to
// maxCompactionAttempts times, logging and giving up (to be retried on the
// next trigger) rather than propagating an error out of the background
// goroutine. Every attempt reuses the same newID: compaction.Run recreates
// the output file from scratch each time, so a failed attempt leaves
// nothing for a retry to collide with.
func (e *Engine) runCompactionWithRetry(segments []uint64, newID uint64) {
	var lastErr error
	for attempt := 1; attempt <= maxCompactionAttempts; attempt++ {
		if e.compactCtx.Err() != nil {
			return
		}
		if err := e.runCompactionOnce(segments, newID); err != nil {
			lastErr = err
			e.log.Errorw("compaction attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
	e.log.Errorw("compaction failed after retries; will retry on next trigger", "error", lastErr)
}

func (e *Engine) runCompactionOnce(segments []uint64, newID uint64) error {
	result, err := compaction.Run(e.compactCtx, e.dir, e.cfg.BlockSize, e.cfg.SparseIndexSampleRate, segments, newID, time.Now().Unix())
	if err != nil {
		return err
	}

	newReader, err := sstable.Open(result.Summary.Path)
	if err != nil {
		return err
	}

	samples := make(map[string]sparseindex.Address, len(result.Summary.Samples))
	for _, s := range result.Summary.Samples {
		samples[string(s.Key)] = sparseindex.Address{SegmentID: newID, Offset: s.Offset}
	}

	// Publish in an order that keeps every segment id in e.segments backed by
	// a live reader at all times: add the new reader and new segment id
	// before anything referencing the old ids is torn down, so a concurrent
	// Get's fallback scan (internal/sstable.Reader lookups keyed off
	// e.segmentSnapshot) never sees an id with no reader behind it.
	e.readersMu.Lock()
	e.segmentReaders[newID] = newReader
	e.readersMu.Unlock()

	e.index.ReplaceSegments(result.OldSegmentIDs, samples)

	oldSet := make(map[uint64]bool, len(result.OldSegmentIDs))
	for _, id := range result.OldSegmentIDs {
		oldSet[id] = true
	}
	e.segMu.Lock()
	remaining := e.segments[:0:0]
	for _, id := range e.segments {
		if !oldSet[id] {
			remaining = append(remaining, id)
		}
	}
	e.segments = append(remaining, newID)
	sortSegments(e.segments)
	e.segMu.Unlock()

	e.readersMu.Lock()
	for _, id := range result.OldSegmentIDs {
		if r, ok := e.segmentReaders[id]; ok {
			r.Close()
			delete(e.segmentReaders, id)
		}
	}
	e.readersMu.Unlock()

	if err := compaction.DeleteSegments(e.dir, result.OldSegmentIDs); err != nil {
		e.log.Errorw("failed to delete superseded segments after compaction", "error", err)
	}

	e.log.Infow("compaction complete", "new_segment_id", newID, "merged_segments", len(result.OldSegmentIDs), "records", result.Summary.RecordCount)
	return nil
}
