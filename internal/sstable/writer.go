package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashlog/ember/errs"
	"github.com/flashlog/ember/internal/block"
	"github.com/flashlog/ember/internal/record"
)

// Writer writes one immutable segment file. Records must be appended in
// ascending key order (the caller is responsible for that — both a memtable
// flush and a compaction merge naturally produce sorted output).
type Writer struct {
	f          *os.File
	bw         *block.Writer
	blockSize  int
	segmentID  uint64
	createdAt  int64
	sampleRate int
	blockStart int

	minKey, maxKey []byte
	bloomFilter    *bloom.BloomFilter
	samples        []SampleEntry
	recordCount    uint64
}

// Create opens a new segment file at path and returns a Writer for it.
// estimatedKeys sizes the bloom filter; it need not be exact.
func Create(path string, segmentID uint64, blockSize, sampleRate int, estimatedKeys uint, createdAt int64) (*Writer, error) {
	if sampleRate < 1 {
		sampleRate = 1
	}
	if estimatedKeys == 0 {
		estimatedKeys = 1
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errs.New(errs.IO, "create segment file", err).WithPath(path)
	}

	w := &Writer{
		f:           f,
		blockSize:   blockSize,
		segmentID:   segmentID,
		createdAt:   createdAt,
		sampleRate:  sampleRate,
		bloomFilter: bloom.NewWithEstimates(estimatedKeys, 0.01),
	}

	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	w.bw = block.NewWriter(f, blockSize, f.Sync)

	return w, nil
}

func (w *Writer) writeHeader() error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, magic)
	buf.WriteByte(version)
	_ = binary.Write(&buf, binary.BigEndian, w.segmentID)
	_ = binary.Write(&buf, binary.BigEndian, w.createdAt)
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return errs.New(errs.IO, "write segment header", err).WithPath(w.f.Name())
	}
	return nil
}

// Append writes one record to the segment body.
func (w *Writer) Append(rec record.Record) error {
	encoded := record.Encode(nil, rec)
	offset, err := w.bw.Append(encoded)
	if err != nil {
		return err
	}

	if w.minKey == nil || bytes.Compare(rec.Key, w.minKey) < 0 {
		w.minKey = append([]byte(nil), rec.Key...)
	}
	if w.maxKey == nil || bytes.Compare(rec.Key, w.maxKey) > 0 {
		w.maxKey = append([]byte(nil), rec.Key...)
	}

	// Tombstones must also seed the bloom filter: a false "definitely not
	// here" would let a lookup fall through to a stale value in an older
	// segment instead of hitting the tombstone that shadows it.
	w.bloomFilter.Add(rec.Key)

	// A record whose first fragment lands exactly on a block boundary is the
	// first key of that block; sampleRate paces how many such block starts
	// are skipped between samples (1 = sample every block's first key, as
	// documented on options.Config.SparseIndexSampleRate). A record that
	// only continues a fragmented payload from the previous block never
	// starts a new one, so it's correctly never considered for sampling.
	if offset%int64(w.blockSize) == 0 {
		if w.blockStart%w.sampleRate == 0 {
			w.samples = append(w.samples, SampleEntry{Key: append([]byte(nil), rec.Key...), Offset: offset})
		}
		w.blockStart++
	}
	w.recordCount++

	return nil
}

// Close finalizes the segment: pads the body to a block boundary, writes
// the sample index, bloom filter, footer and tail, syncs and closes the
// file, then returns a Summary of what was written.
func (w *Writer) Close() (Summary, error) {
	if err := w.bw.Close(); err != nil {
		return Summary{}, err
	}

	bodyEnd, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Summary{}, errs.New(errs.IO, "seek segment file", err).WithPath(w.f.Name())
	}
	bodyOffset := int64(headerSize)
	bodySize := bodyEnd - bodyOffset

	sampleIndexOffset := bodyEnd
	if err := w.writeSampleIndex(); err != nil {
		return Summary{}, err
	}
	sampleIndexEnd, _ := w.f.Seek(0, io.SeekCurrent)
	sampleIndexSize := sampleIndexEnd - sampleIndexOffset

	bloomOffset := sampleIndexEnd
	if err := w.writeBloomFilter(); err != nil {
		return Summary{}, err
	}
	bloomEnd, _ := w.f.Seek(0, io.SeekCurrent)
	bloomSize := bloomEnd - bloomOffset

	footerOffset := bloomEnd
	if err := w.writeFooter(bodyOffset, bodySize, sampleIndexOffset, sampleIndexSize, bloomOffset, bloomSize); err != nil {
		return Summary{}, err
	}

	if err := w.writeTail(footerOffset); err != nil {
		return Summary{}, err
	}

	if err := w.f.Sync(); err != nil {
		return Summary{}, errs.New(errs.IO, "sync segment file", err).WithPath(w.f.Name())
	}
	path := w.f.Name()
	if err := w.f.Close(); err != nil {
		return Summary{}, errs.New(errs.IO, "close segment file", err).WithPath(path)
	}

	return Summary{
		SegmentID:   w.segmentID,
		Path:        path,
		MinKey:      w.minKey,
		MaxKey:      w.maxKey,
		RecordCount: w.recordCount,
		CreatedAt:   w.createdAt,
		Samples:     w.samples,
	}, nil
}

func (w *Writer) writeSampleIndex() error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(w.samples)))
	for _, s := range w.samples {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(s.Key)))
		buf.Write(s.Key)
		_ = binary.Write(&buf, binary.BigEndian, s.Offset)
	}
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return errs.New(errs.IO, "write segment sample index", err).WithPath(w.f.Name())
	}
	return nil
}

func (w *Writer) writeBloomFilter() error {
	if _, err := w.bloomFilter.WriteTo(w.f); err != nil {
		return errs.New(errs.IO, "write segment bloom filter", err).WithPath(w.f.Name())
	}
	return nil
}

func (w *Writer) writeFooter(bodyOffset, bodySize, sampleIndexOffset, sampleIndexSize, bloomOffset, bloomSize int64) error {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, bodyOffset)
	_ = binary.Write(&buf, binary.BigEndian, bodySize)
	_ = binary.Write(&buf, binary.BigEndian, sampleIndexOffset)
	_ = binary.Write(&buf, binary.BigEndian, sampleIndexSize)
	_ = binary.Write(&buf, binary.BigEndian, bloomOffset)
	_ = binary.Write(&buf, binary.BigEndian, bloomSize)
	_ = binary.Write(&buf, binary.BigEndian, w.recordCount)
	_ = binary.Write(&buf, binary.BigEndian, uint32(w.blockSize))
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(w.minKey)))
	buf.Write(w.minKey)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(w.maxKey)))
	buf.Write(w.maxKey)

	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return errs.New(errs.IO, "write segment footer", err).WithPath(w.f.Name())
	}
	return nil
}

func (w *Writer) writeTail(footerOffset int64) error {
	var buf [tailSize]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(footerOffset))
	binary.BigEndian.PutUint32(buf[8:12], magic)
	if _, err := w.f.Write(buf[:]); err != nil {
		return errs.New(errs.IO, "write segment tail", err).WithPath(w.f.Name())
	}
	return nil
}
