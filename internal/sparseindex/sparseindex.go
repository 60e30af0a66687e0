// Package sparseindex implements the in-memory map from a sampled key to
// the segment and byte offset where that key's block begins. The engine
// keeps it current on flush and compaction, but its Get does not route
// through it: point lookups scan each segment newest first, using that
// segment's own sample index instead.
package sparseindex

import (
	"sync/atomic"

	"github.com/flashlog/ember/internal/memtable"
)

// Address identifies where a sampled key's block starts on disk.
type Address struct {
	SegmentID uint64
	Offset    int64
}

// Bound describes the byte range a reader should scan starting at an
// Address: either up to (but not including) NextOffset in the same segment, or
// to the end of the segment body when NextOffset is -1.
type Bound struct {
	// NextOffset is the offset of the next sampled key in the same segment,
	// or -1 meaning "read to the end of the segment body".
	NextOffset int64
}

// snapshot is the immutable data backing one generation of the index,
// swapped atomically on every flush and every compaction publish.
type snapshot struct {
	keys *memtable.SkipList[string, Address]
}

// Index is a lock-free-for-readers map from sampled key to Address. Writers
// (flush, compaction) build a new snapshot and publish it with ApplyFlush
// or ReplaceSegments; readers call Locate without taking any lock.
type Index struct {
	current atomic.Pointer[snapshot]
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	idx.current.Store(&snapshot{keys: memtable.NewSkipList[string, Address]()})
	return idx
}

// Locate returns the Address of the greatest sampled key less than or equal
// to key, and the Bound describing how far a reader may scan from it. The
// second return is false if key is less than every sampled key (a clean
// miss — the key cannot exist in any segment this index knows about).
func (idx *Index) Locate(key []byte) (Address, Bound, bool) {
	snap := idx.current.Load()
	entry, ok := snap.keys.Floor(string(key))
	if !ok {
		return Address{}, Bound{}, false
	}
	addr := entry.Value

	// The next sampled entry after the floor, not after the search key:
	// appending \x00 finds the successor of entry.Key since no real sampled
	// key ends in a NUL byte boundary equal to entry.Key itself.
	next, ok := snap.keys.Ceiling(entry.Key + "\x00")
	if !ok || next.Value.SegmentID != addr.SegmentID {
		return addr, Bound{NextOffset: -1}, true
	}
	return addr, Bound{NextOffset: next.Value.Offset}, true
}

// ApplyFlush publishes the sampled keys of a newly flushed segment,
// merging them into the current snapshot. A sampled key that is already
// present is overwritten to point at the new address; flush always
// produces segments with ids greater than anything already indexed, so the
// replacement points at the newer segment.
func (idx *Index) ApplyFlush(samples map[string]Address) {
	for {
		old := idx.current.Load()
		next := cloneInto(old.keys)
		for key, addr := range samples {
			next.Put(key, addr)
		}
		if idx.current.CompareAndSwap(old, &snapshot{keys: next}) {
			return
		}
	}
}

// ReplaceSegments atomically drops every sampled key belonging to oldIDs and
// merges in newSamples, used after compaction publishes its merged segment.
// Samples from segments outside oldIDs (e.g. a flush that landed while
// compaction was running) are carried over untouched.
func (idx *Index) ReplaceSegments(oldIDs []uint64, newSamples map[string]Address) {
	dropped := make(map[uint64]bool, len(oldIDs))
	for _, id := range oldIDs {
		dropped[id] = true
	}
	for {
		old := idx.current.Load()
		next := memtable.NewSkipList[string, Address]()
		for entry := range old.keys.Iterator() {
			if dropped[entry.Value.SegmentID] {
				continue
			}
			next.Put(entry.Key, entry.Value)
		}
		for key, addr := range newSamples {
			next.Put(key, addr)
		}
		if idx.current.CompareAndSwap(old, &snapshot{keys: next}) {
			return
		}
	}
}

// Len reports how many sampled keys the current snapshot holds.
func (idx *Index) Len() int {
	return idx.current.Load().keys.Len()
}

func cloneInto(src *memtable.SkipList[string, Address]) *memtable.SkipList[string, Address] {
	dst := memtable.NewSkipList[string, Address]()
	for entry := range src.Iterator() {
		dst.Put(entry.Key, entry.Value)
	}
	return dst
}
