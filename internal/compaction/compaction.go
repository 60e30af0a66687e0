// Package compaction implements the single-tier k-way merge that folds
// every current segment into one new segment, dropping any key's older
// versions and dropping tombstones entirely once nothing outside the
// compacted set could still need them.
package compaction

import (
	"bytes"
	"container/heap"
	"context"
	"iter"
	"os"
	"path/filepath"

	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/record"
	"github.com/flashlog/ember/internal/sstable"
)

// Result describes a completed compaction run.
type Result struct {
	Summary       sstable.Summary
	OldSegmentIDs []uint64
}

// Run merges the segments named by segmentIDs (in dir) into one new segment
// with id newSegmentID, in ascending key order, keeping only the version
// from the highest segment id for each key and dropping tombstones outright
// since every segment that could be shadowed by one is part of this merge.
func Run(ctx context.Context, dir string, blockSize, sampleRate int, segmentIDs []uint64, newSegmentID uint64, createdAt int64) (Result, error) {
	readers := make([]*sstable.Reader, 0, len(segmentIDs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var estimatedKeys uint
	for _, id := range segmentIDs {
		r, err := sstable.Open(filepath.Join(dir, sstable.FileName(id)))
		if err != nil {
			return Result{}, err
		}
		readers = append(readers, r)
		estimatedKeys += uint(r.RecordCount())
	}

	path := filepath.Join(dir, sstable.FileName(newSegmentID))
	w, err := sstable.Create(path, newSegmentID, blockSize, sampleRate, estimatedKeys, createdAt)
	if err != nil {
		return Result{}, err
	}

	if err := merge(ctx, w, readers); err != nil {
		return Result{}, err
	}

	summary, err := w.Close()
	if err != nil {
		return Result{}, err
	}

	return Result{Summary: summary, OldSegmentIDs: segmentIDs}, nil
}

// DeleteSegments removes the on-disk files for the given segment ids. It is
// called only after the new merged segment has been published, so a crash
// mid-delete just leaves harmless, already-superseded segments on disk to
// be cleaned up on the next compaction.
func DeleteSegments(dir string, ids []uint64) error {
	for _, id := range ids {
		path := filepath.Join(dir, sstable.FileName(id))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.IO, "delete superseded segment", err).WithPath(path)
		}
	}
	return nil
}

type cursor struct {
	segmentID uint64
	rec       record.Record
	next      func() (record.Record, error, bool)
	stop      func()
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].rec.Key, h[j].rec.Key); c != 0 {
		return c < 0
	}
	return h[i].segmentID > h[j].segmentID
}
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func merge(ctx context.Context, w *sstable.Writer, readers []*sstable.Reader) error {
	h := make(cursorHeap, 0, len(readers))
	defer func() {
		for _, c := range h {
			c.stop()
		}
	}()

	for _, r := range readers {
		next, stop := iter.Pull2(r.Scan())
		c := &cursor{segmentID: r.SegmentID(), next: next, stop: stop}
		rec, err, ok := next()
		if err != nil {
			stop()
			return err
		}
		if !ok {
			stop()
			continue
		}
		c.rec = rec
		h = append(h, c)
	}
	heap.Init(&h)

	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return errs.New(errs.IO, "compaction canceled", err)
		}

		key := h[0].rec.Key
		var group []*cursor
		for h.Len() > 0 && bytes.Equal(h[0].rec.Key, key) {
			group = append(group, heap.Pop(&h).(*cursor))
		}

		winner := group[0]
		for _, c := range group[1:] {
			if c.segmentID > winner.segmentID {
				winner = c
			}
		}
		if winner.rec.Marker != record.Dead {
			if err := w.Append(winner.rec); err != nil {
				return err
			}
		}

		for _, c := range group {
			rec, err, ok := c.next()
			if err != nil {
				return err
			}
			if !ok {
				c.stop()
				continue
			}
			c.rec = rec
			heap.Push(&h, c)
		}
	}

	return nil
}
