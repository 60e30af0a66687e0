package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"iter"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/block"
	"github.com/flashlog/ember/internal/record"
)

// Reader provides point lookups and full scans over one immutable segment
// file. A Reader is safe for concurrent use by multiple goroutines: it only
// ever performs independent ReadAt calls against the underlying file.
type Reader struct {
	f         *os.File
	segmentID uint64
	createdAt int64
	blockSize int

	bodyOffset int64
	bodySize   int64

	minKey, maxKey []byte
	recordCount    uint64
	samples        []SampleEntry
	bloomFilter    *bloom.BloomFilter
}

// Open opens the segment file at path and parses its trailer.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.IO, "open segment file", err).WithPath(path)
	}

	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errs.New(errs.IO, "seek segment file", err).WithPath(f.Name())
	}
	if size < headerSize+tailSize {
		return nil, errs.New(errs.CorruptBlock, "segment file too small to contain a valid trailer", nil).WithPath(f.Name())
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, errs.New(errs.IO, "read segment header", err).WithPath(f.Name())
	}
	if got := binary.BigEndian.Uint32(hdr[:4]); got != magic {
		return nil, errs.New(errs.CorruptBlock, "bad segment header magic", nil).WithPath(f.Name())
	}
	segmentID := binary.BigEndian.Uint64(hdr[5:13])
	createdAt := int64(binary.BigEndian.Uint64(hdr[13:21]))

	tail := make([]byte, tailSize)
	if _, err := f.ReadAt(tail, size-tailSize); err != nil {
		return nil, errs.New(errs.IO, "read segment tail", err).WithPath(f.Name()).WithSegment(segmentID)
	}
	if got := binary.BigEndian.Uint32(tail[8:12]); got != magic {
		return nil, errs.New(errs.CorruptBlock, "bad segment tail magic", nil).WithPath(f.Name()).WithSegment(segmentID)
	}
	footerOffset := int64(binary.BigEndian.Uint64(tail[:8]))

	footerBuf := make([]byte, size-tailSize-footerOffset)
	if _, err := f.ReadAt(footerBuf, footerOffset); err != nil {
		return nil, errs.New(errs.IO, "read segment footer", err).WithPath(f.Name()).WithSegment(segmentID).WithOffset(footerOffset)
	}
	fr := bytes.NewReader(footerBuf)

	var bodyOffset, bodySize, sampleIndexOffset, sampleIndexSize, bloomOffset, bloomSize int64
	var recordCount uint64
	var blockSize uint32
	for _, field := range []*int64{&bodyOffset, &bodySize, &sampleIndexOffset, &sampleIndexSize, &bloomOffset, &bloomSize} {
		if err := binary.Read(fr, binary.BigEndian, field); err != nil {
			return nil, errs.New(errs.CorruptBlock, "truncated segment footer", err).WithPath(f.Name()).WithSegment(segmentID)
		}
	}
	if err := binary.Read(fr, binary.BigEndian, &recordCount); err != nil {
		return nil, errs.New(errs.CorruptBlock, "truncated segment footer", err).WithPath(f.Name()).WithSegment(segmentID)
	}
	if err := binary.Read(fr, binary.BigEndian, &blockSize); err != nil {
		return nil, errs.New(errs.CorruptBlock, "truncated segment footer", err).WithPath(f.Name()).WithSegment(segmentID)
	}
	minKey, err := readLengthPrefixed(fr)
	if err != nil {
		return nil, errs.New(errs.CorruptBlock, "truncated segment footer min key", err).WithPath(f.Name()).WithSegment(segmentID)
	}
	maxKey, err := readLengthPrefixed(fr)
	if err != nil {
		return nil, errs.New(errs.CorruptBlock, "truncated segment footer max key", err).WithPath(f.Name()).WithSegment(segmentID)
	}

	samples, err := readSampleIndex(f, sampleIndexOffset, sampleIndexSize)
	if err != nil {
		return nil, attachSegment(err, segmentID)
	}

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(io.NewSectionReader(f, bloomOffset, bloomSize)); err != nil {
		return nil, errs.New(errs.CorruptBlock, "truncated segment bloom filter", err).WithPath(f.Name()).WithSegment(segmentID)
	}

	return &Reader{
		f:           f,
		segmentID:   segmentID,
		createdAt:   createdAt,
		blockSize:   int(blockSize),
		bodyOffset:  bodyOffset,
		bodySize:    bodySize,
		minKey:      minKey,
		maxKey:      maxKey,
		recordCount: recordCount,
		samples:     samples,
		bloomFilter: filter,
	}, nil
}

// attachSegment tags err with segmentID if it's one of ours, so a caller
// juggling readers for several segments can tell which one failed.
func attachSegment(err error, segmentID uint64) error {
	if ee, ok := err.(*errs.Error); ok {
		ee.WithSegment(segmentID)
	}
	return err
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readSampleIndex(f *os.File, offset, size int64) ([]SampleEntry, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, errs.New(errs.IO, "read segment sample index", err).WithPath(f.Name())
	}
	r := bytes.NewReader(buf)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, errs.New(errs.CorruptBlock, "truncated segment sample index", err).WithPath(f.Name())
	}

	samples := make([]SampleEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readLengthPrefixed(r)
		if err != nil {
			return nil, errs.New(errs.CorruptBlock, "truncated segment sample index entry", err).WithPath(f.Name())
		}
		var off int64
		if err := binary.Read(r, binary.BigEndian, &off); err != nil {
			return nil, errs.New(errs.CorruptBlock, "truncated segment sample index entry", err).WithPath(f.Name())
		}
		samples = append(samples, SampleEntry{Key: key, Offset: off})
	}
	return samples, nil
}

// SegmentID returns the segment's id.
func (r *Reader) SegmentID() uint64 { return r.segmentID }

// MinKey returns the smallest key stored in the segment.
func (r *Reader) MinKey() []byte { return r.minKey }

// MaxKey returns the largest key stored in the segment.
func (r *Reader) MaxKey() []byte { return r.maxKey }

// RecordCount returns the number of records (including tombstones) stored.
func (r *Reader) RecordCount() uint64 { return r.recordCount }

// CreatedAt returns the segment's creation time (unix seconds).
func (r *Reader) CreatedAt() int64 { return r.createdAt }

// Samples returns the persisted sample index, for rebuilding the engine's
// sparse index at recovery time.
func (r *Reader) Samples() []SampleEntry { return r.samples }

// Path returns the segment file's path.
func (r *Reader) Path() string { return r.f.Name() }

// Close closes the underlying file.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return errs.New(errs.IO, "close segment file", err).WithPath(r.f.Name())
	}
	return nil
}

// Get performs a point lookup for key, starting from the floor entry in
// the segment's sample index and scanning forward until key is found, a
// greater key is seen, or the segment body ends.
func (r *Reader) Get(key []byte) (record.Record, bool, error) {
	if r.bloomFilter != nil && !r.bloomFilter.Test(key) {
		return record.Record{}, false, nil
	}

	offset, ok := r.floor(key)
	if !ok {
		return record.Record{}, false, nil
	}

	base := io.NewSectionReader(r.f, r.bodyOffset, r.bodySize)
	br := block.NewReaderAt(base, r.bodySize, r.blockSize, offset)
	for {
		payload, err := br.Next()
		if err == io.EOF {
			return record.Record{}, false, nil
		}
		if err != nil {
			return record.Record{}, false, attachSegment(err, r.segmentID)
		}
		rec, _, err := record.Decode(payload)
		if err != nil {
			return record.Record{}, false, attachSegment(err, r.segmentID)
		}
		switch bytes.Compare(rec.Key, key) {
		case 0:
			return rec, true, nil
		case 1:
			return record.Record{}, false, nil
		}
	}
}

// floor returns the byte offset of the sample entry with the greatest key
// less than or equal to key.
func (r *Reader) floor(key []byte) (int64, bool) {
	idx := sort.Search(len(r.samples), func(i int) bool {
		return bytes.Compare(r.samples[i].Key, key) > 0
	}) - 1
	if idx < 0 {
		return 0, false
	}
	return r.samples[idx].Offset, true
}

// Scan returns every record in the segment, in ascending key order,
// ignoring the sample index. It is used only for compaction's merge.
func (r *Reader) Scan() iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		base := io.NewSectionReader(r.f, r.bodyOffset, r.bodySize)
		br := block.NewReader(base, r.blockSize)
		for {
			payload, err := br.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(record.Record{}, attachSegment(err, r.segmentID))
				return
			}
			rec, _, err := record.Decode(payload)
			if err != nil {
				yield(record.Record{}, attachSegment(err, r.segmentID))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
