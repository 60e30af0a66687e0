// Package sstable implements immutable, sorted, on-disk segment files: the
// output of a memtable flush or a compaction run.
//
// # File layout
//
//	+----------------------------------------------------------+
//	| HEADER  (magic, version, segment id, created_at)          |
//	+----------------------------------------------------------+
//	| BODY    block-coded stream of encoded records, sorted     |
//	+----------------------------------------------------------+
//	| SAMPLE INDEX   first key of every Nth block -> offset     |
//	+----------------------------------------------------------+
//	| BLOOM FILTER   over every key (live or tombstoned)        |
//	+----------------------------------------------------------+
//	| FOOTER  section offsets/sizes, min/max key, record count  |
//	+----------------------------------------------------------+
//	| TAIL (fixed size: footer offset, magic)                   |
//	+----------------------------------------------------------+
//
// The sample index and bloom filter let recover() rebuild the engine's
// sparse index straight from each segment's trailer, without rescanning
// every block of every segment.
package sstable

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/flashlog/ember/errs"
)

const (
	magic      uint32 = 0x454D4247 // "EMBG"
	version    uint8  = 1
	headerSize        = 4 + 1 + 8 + 8 // magic + version + segment id + created_at
	tailSize          = 8 + 4         // footer offset + magic
)

// FileExt is the extension segment files are created and discovered with.
const FileExt = ".sst"

var fileNamePattern = regexp.MustCompile(`^segment-(\d+)\.sst$`)

// FileName returns the canonical on-disk name for a segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("segment-%08d%s", id, FileExt)
}

// Discover lists every segment file in dir, sorted by ascending segment id.
// Unrelated files are ignored.
func Discover(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New(errs.IO, "read data directory", err).WithPath(dir)
	}

	var ids []uint64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		matches := fileNamePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		id, err := strconv.ParseUint(matches[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SampleEntry is one entry of a segment's persisted sample index.
type SampleEntry struct {
	Key    []byte
	Offset int64
}

// Summary describes a segment immediately after it has been written,
// letting a caller (flush, compaction) update the sparse index without
// reopening the file for reading.
type Summary struct {
	SegmentID   uint64
	Path        string
	MinKey      []byte
	MaxKey      []byte
	RecordCount uint64
	CreatedAt   int64
	Samples     []SampleEntry
}
