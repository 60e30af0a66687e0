// Package block implements the fixed-size block framing used by the WAL and
// by SSTable data sections: a stream of fixed-size blocks, each holding one
// or more fragments of logical payloads, so a payload that doesn't fit in
// the remaining space of a block is split across block boundaries.
package block

import (
	"encoding/binary"
	"io"

	"github.com/flashlog/ember/errs"
)

// FragmentType tags each fragment within a block.
type FragmentType uint8

const (
	// typeNone marks unused trailing space in a block: a zero-size fragment
	// that tells a reader to stop scanning the current block.
	typeNone FragmentType = 0
	// Complete marks a fragment that is an entire payload by itself.
	Complete FragmentType = 1
	// First marks the first fragment of a payload spanning multiple blocks.
	First FragmentType = 2
	// Middle marks an interior fragment of a multi-block payload.
	Middle FragmentType = 3
	// Last marks the final fragment of a multi-block payload.
	Last FragmentType = 4
)

// HeaderSize is the on-disk size of a fragment header: type:u8, size:u16.
const HeaderSize = 3

// Writer packs logical payloads into a stream of fixed-size blocks.
type Writer struct {
	w       io.Writer
	sync    func() error
	size    int
	remain  int
	written int64
}

// NewWriter returns a Writer that packs fragments of blockSize bytes into w.
// sync, if non-nil, is called by Sync and Close to force durability (e.g.
// *os.File.Sync).
func NewWriter(w io.Writer, blockSize int, sync func() error) *Writer {
	return &Writer{w: w, sync: sync, size: blockSize, remain: blockSize}
}

// NewWriterResuming returns a Writer that continues an existing block
// stream whose length so far is writtenSoFar, picking up wherever the last
// block was left off (partially filled or exactly at a boundary). Used by
// the WAL to resume appending to an existing file after recovery.
func NewWriterResuming(w io.Writer, blockSize int, sync func() error, writtenSoFar int64) *Writer {
	remain := blockSize - int(writtenSoFar%int64(blockSize))
	return &Writer{w: w, sync: sync, size: blockSize, remain: remain, written: writtenSoFar}
}

// Append writes payload as one or more fragments, splitting across block
// boundaries as needed. It returns the offset, relative to the start of
// this writer's stream, of the first fragment written — the position a
// later NewReaderAt call must be given to read this payload back.
func (w *Writer) Append(payload []byte) (int64, error) {
	first := true
	startOffset := int64(-1)
	for {
		if w.remain <= HeaderSize {
			if err := w.padBlock(); err != nil {
				return 0, err
			}
		}
		if startOffset < 0 {
			startOffset = w.written
		}
		avail := w.remain - HeaderSize
		n := avail
		if n > len(payload) {
			n = len(payload)
		}
		last := n == len(payload)

		var typ FragmentType
		switch {
		case first && last:
			typ = Complete
		case first && !last:
			typ = First
		case !first && last:
			typ = Last
		default:
			typ = Middle
		}

		if err := w.writeFragment(typ, payload[:n]); err != nil {
			return 0, err
		}
		payload = payload[n:]
		first = false
		if last {
			return startOffset, nil
		}
	}
}

func (w *Writer) writeFragment(typ FragmentType, data []byte) error {
	var hdr [HeaderSize]byte
	hdr[0] = byte(typ)
	binary.LittleEndian.PutUint16(hdr[1:], uint16(len(data)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return errs.New(errs.IO, "write block fragment header", err)
	}
	if len(data) > 0 {
		if _, err := w.w.Write(data); err != nil {
			return errs.New(errs.IO, "write block fragment payload", err)
		}
	}
	w.remain -= HeaderSize + len(data)
	w.written += int64(HeaderSize + len(data))
	return nil
}

// padBlock fills the remainder of the current block with a stop-scanning
// marker and starts a fresh block.
func (w *Writer) padBlock() error {
	if w.remain >= HeaderSize {
		if err := w.writeFragment(typeNone, nil); err != nil {
			return err
		}
	}
	if w.remain > 0 {
		pad := make([]byte, w.remain)
		if _, err := w.w.Write(pad); err != nil {
			return errs.New(errs.IO, "write block padding", err)
		}
		w.written += int64(w.remain)
		w.remain = 0
	}
	w.remain = w.size
	return nil
}

// Sync forces durability of everything written so far without padding the
// in-progress block. Used by the WAL after every Append.
func (w *Writer) Sync() error {
	if w.sync != nil {
		return w.sync()
	}
	return nil
}

// Close pads the in-progress block to a full block boundary (so a later
// reader can cleanly resume at the next block) and syncs. Used by the
// SSTable writer, which always wants block-aligned output.
func (w *Writer) Close() error {
	if w.remain != w.size {
		if err := w.padBlock(); err != nil {
			return err
		}
	}
	return w.Sync()
}

// Offset reports how many bytes into the current block have been written,
// i.e. where the next Append would begin writing its header.
func (w *Writer) Offset() int { return w.size - w.remain }

// TotalWritten reports the total number of bytes emitted so far, relative
// to the start of this writer's stream.
func (w *Writer) TotalWritten() int64 { return w.written }

// Reader reassembles fragments read from a block stream back into logical
// payloads.
type Reader struct {
	r        io.Reader
	size     int
	consumed int
	total    int64
}

// NewReader returns a Reader over a block stream starting at a block
// boundary.
func NewReader(r io.Reader, blockSize int) *Reader {
	return &Reader{r: r, size: blockSize}
}

// NewReaderAt returns a Reader starting at an arbitrary byte offset within
// a random-access block stream, for SSTable point lookups that seek
// directly to a fragment the sparse index pointed at.
func NewReaderAt(ra io.ReaderAt, fileSize int64, blockSize int, offset int64) *Reader {
	sr := io.NewSectionReader(ra, offset, fileSize-offset)
	return &Reader{r: sr, size: blockSize, consumed: int(offset % int64(blockSize)), total: offset}
}

// Total reports how many bytes of the stream have been consumed by
// completed calls to Next so far, for callers (WAL replay) that need to
// know the exact byte offset of a trailing corrupt or partial record.
func (r *Reader) Total() int64 { return r.total }

// Next returns the next reassembled payload, or io.EOF when the stream is
// exhausted cleanly at a block boundary.
func (r *Reader) Next() ([]byte, error) {
	var payload []byte
	for {
		if r.size-r.consumed < HeaderSize {
			if err := r.skip(r.size - r.consumed); err != nil {
				return nil, err
			}
			r.consumed = 0
		}

		var hdr [HeaderSize]byte
		n, err := io.ReadFull(r.r, hdr[:])
		if err == io.EOF && n == 0 {
			if payload != nil {
				return nil, errs.New(errs.CorruptBlock, "stream ended mid-record", io.ErrUnexpectedEOF).WithOffset(r.total)
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, errs.New(errs.CorruptBlock, "truncated block header", err).WithOffset(r.total)
		}
		r.consumed += HeaderSize
		r.total += HeaderSize

		typ := FragmentType(hdr[0])
		size := binary.LittleEndian.Uint16(hdr[1:])

		if typ == typeNone && size == 0 {
			if err := r.skip(r.size - r.consumed); err != nil {
				return nil, err
			}
			r.consumed = 0
			if payload != nil {
				return nil, errs.New(errs.CorruptBlock, "record interrupted by block padding", nil).WithOffset(r.total)
			}
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r.r, data); err != nil {
			return nil, errs.New(errs.CorruptBlock, "truncated block payload", err).WithOffset(r.total)
		}
		r.consumed += int(size)
		r.total += int64(size)

		switch typ {
		case Complete:
			if payload != nil {
				return nil, errs.New(errs.CorruptBlock, "COMPLETE fragment while record in progress", nil).WithOffset(r.total)
			}
			return data, nil
		case First:
			if payload != nil {
				return nil, errs.New(errs.CorruptBlock, "START fragment while record in progress", nil).WithOffset(r.total)
			}
			payload = append([]byte{}, data...)
		case Middle:
			if payload == nil {
				return nil, errs.New(errs.CorruptBlock, "MIDDLE fragment with no START", nil).WithOffset(r.total)
			}
			payload = append(payload, data...)
		case Last:
			if payload == nil {
				return nil, errs.New(errs.CorruptBlock, "END fragment with no START", nil).WithOffset(r.total)
			}
			return append(payload, data...), nil
		default:
			return nil, errs.New(errs.CorruptBlock, "unknown fragment type", nil).WithDetail("type", int(typ)).WithOffset(r.total)
		}
	}
}

func (r *Reader) skip(n int) error {
	if n <= 0 {
		return nil
	}
	r.total += int64(n)
	if _, err := io.CopyN(io.Discard, r.r, int64(n)); err != nil {
		return errs.New(errs.IO, "skip block padding", err)
	}
	return nil
}
