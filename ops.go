package ember

import (
	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/record"
)

// Put durably writes value for key: the write is appended and fsynced to
// the WAL before it is applied to the memtable, and before Put returns.
func (e *Engine) Put(key, value []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(key) == 0 {
		return errs.New(errs.Invariant, "key must not be empty", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.wal.Append(record.Record{Marker: record.Live, Key: key, Value: value}); err != nil {
		return err
	}
	e.memtable.Put(key, value)

	return e.maybeFlushLocked()
}

// Delete removes key by durably appending a tombstone, shadowing any value
// for key in older segments. Deleting a key that doesn't exist is not an
// error.
func (e *Engine) Delete(key []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if len(key) == 0 {
		return errs.New(errs.Invariant, "key must not be empty", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.wal.Append(record.Record{Marker: record.Dead, Key: key}); err != nil {
		return err
	}
	e.memtable.Delete(key)

	return e.maybeFlushLocked()
}

// Get returns the value stored for key. The second return is false if key
// has no live value, whether because it was never written or because it
// was deleted.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}

	e.mu.RLock()
	rec, ok := e.memtable.Get(key)
	e.mu.RUnlock()
	if ok {
		if rec.Marker == record.Dead {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	return e.getFromSegments(key)
}

// getFromSegments scans on-disk segments newest-to-oldest, each guarded by
// its own bloom filter, returning the first match found.
//
// The global sparse index is not consulted for routing here: its samples
// are merged across every segment regardless of key-range overlap, so a
// floor lookup against it can name an older segment that happens to carry
// a sample at or below the search key while a newer segment — with no
// sample anywhere near that key — also holds the live value and should
// shadow it. Each Reader's own sample index has no such cross-segment
// contamination, so trying every segment in recency order, newest first,
// is the only way to guarantee the freshest value wins.
func (e *Engine) getFromSegments(key []byte) ([]byte, bool, error) {
	segments := e.segmentSnapshot()
	for i := len(segments) - 1; i >= 0; i-- {
		r, ok := e.readerFor(segments[i])
		if !ok {
			continue
		}
		rec, found, err := r.Get(key)
		if err != nil {
			return nil, false, err
		}
		if found {
			if rec.Marker == record.Dead {
				return nil, false, nil
			}
			return rec.Value, true, nil
		}
	}

	return nil, false, nil
}
