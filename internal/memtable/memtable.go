package memtable

import (
	"iter"

	"github.com/flashlog/ember/internal/record"
)

// perEntryOverhead approximates the bookkeeping cost of a skip list node on
// top of the raw key/value bytes, so ApproxBytes tracks something closer to
// real memory pressure than a pure payload sum.
const perEntryOverhead = 32

// Memtable is the mutable, in-memory write buffer ahead of a flush. Deletes
// upsert a tombstone record rather than removing the key, so a flushed
// segment can shadow older values for the same key in earlier segments.
type Memtable struct {
	sl          *SkipList[string, record.Record]
	approxBytes int64
}

// New returns an empty Memtable.
func New() *Memtable {
	return &Memtable{sl: NewSkipList[string, record.Record]()}
}

// Put inserts or overwrites the value stored for key.
func (m *Memtable) Put(key, value []byte) {
	m.upsert(record.Record{Marker: record.Live, Key: key, Value: value})
}

// Delete upserts a tombstone for key.
func (m *Memtable) Delete(key []byte) {
	m.upsert(record.Record{Marker: record.Dead, Key: key, Value: nil})
}

// upsert adds r's entry size (key and value bytes plus perEntryOverhead) to
// approxBytes without subtracting whatever
// it replaces: an overwrite double-counts until the next flush, which is
// fine for a soft threshold and keeps this O(1) instead of an extra lookup.
func (m *Memtable) upsert(r record.Record) {
	m.sl.Put(string(r.Key), r)
	m.approxBytes += entrySize(r)
}

func entrySize(r record.Record) int64 {
	return int64(len(r.Key) + len(r.Value) + perEntryOverhead)
}

// Get returns the record stored for key, if any. A tombstone is returned
// like any other record; callers distinguish live values from deletes via
// Record.Marker.
func (m *Memtable) Get(key []byte) (record.Record, bool) {
	return m.sl.Get(string(key))
}

// Len returns the number of distinct keys (including tombstones) held.
func (m *Memtable) Len() int { return m.sl.Len() }

// ApproxBytes estimates the memtable's resident size, for flush-threshold
// decisions.
func (m *Memtable) ApproxBytes() int64 { return m.approxBytes }

// Iterator yields every record in ascending key order, tombstones included.
func (m *Memtable) Iterator() iter.Seq[record.Record] {
	return func(yield func(record.Record) bool) {
		for entry := range m.sl.Iterator() {
			if !yield(entry.Value) {
				return
			}
		}
	}
}
