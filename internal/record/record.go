// Package record implements the logical record codec shared by the WAL and
// SSTable data blocks: a length-prefixed key/value pair with a marker byte
// distinguishing live values from tombstones.
package record

import (
	"encoding/binary"
	"io"

	"github.com/flashlog/ember/errs"
)

// Marker distinguishes a live value from a tombstone (deleted key).
type Marker uint8

const (
	// Live marks a record carrying a real value.
	Live Marker = 0
	// Dead marks a tombstone: the key is logically deleted as of this record.
	Dead Marker = 1
)

// Record is a single logical key/value entry as it appears in the WAL and
// in SSTable data blocks.
type Record struct {
	Marker Marker
	Key    []byte
	Value  []byte
}

// MaxFieldLen bounds a single length-prefixed field so a corrupt varint
// can't make Decode try to allocate an unreasonable buffer.
const MaxFieldLen = 1 << 32

// Encode appends the wire form of r to dst and returns the result.
//
//	marker:u8 | key_len:varint | key | value_len:varint | value
func Encode(dst []byte, r Record) []byte {
	var scratch [binary.MaxVarintLen64]byte

	dst = append(dst, byte(r.Marker))

	n := binary.PutUvarint(scratch[:], uint64(len(r.Key)))
	dst = append(dst, scratch[:n]...)
	dst = append(dst, r.Key...)

	n = binary.PutUvarint(scratch[:], uint64(len(r.Value)))
	dst = append(dst, scratch[:n]...)
	dst = append(dst, r.Value...)

	return dst
}

// EncodedLen returns the exact byte length Encode would produce for r.
func EncodedLen(r Record) int {
	var scratch [binary.MaxVarintLen64]byte
	n := 1
	n += binary.PutUvarint(scratch[:], uint64(len(r.Key)))
	n += len(r.Key)
	n += binary.PutUvarint(scratch[:], uint64(len(r.Value)))
	n += len(r.Value)
	return n
}

// Decode reads one record from the front of src, returning the record and
// the number of bytes consumed. It returns a CorruptRecord error if src is
// truncated or a length field is unreasonable.
func Decode(src []byte) (Record, int, error) {
	if len(src) < 1 {
		return Record{}, 0, errs.New(errs.CorruptRecord, "truncated record: missing marker byte", io.ErrUnexpectedEOF)
	}
	marker := Marker(src[0])
	off := 1

	key, n, err := decodeField(src[off:])
	if err != nil {
		return Record{}, 0, err
	}
	off += n

	value, n, err := decodeField(src[off:])
	if err != nil {
		return Record{}, 0, err
	}
	off += n

	return Record{Marker: marker, Key: key, Value: value}, off, nil
}

func decodeField(src []byte) ([]byte, int, error) {
	length, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, 0, errs.New(errs.CorruptRecord, "truncated record: bad length varint", io.ErrUnexpectedEOF)
	}
	if length > MaxFieldLen {
		return nil, 0, errs.New(errs.CorruptRecord, "record field length exceeds maximum", nil).WithDetail("length", length)
	}
	total := n + int(length)
	if total > len(src) {
		return nil, 0, errs.New(errs.CorruptRecord, "truncated record: field shorter than declared length", io.ErrUnexpectedEOF)
	}
	field := make([]byte, length)
	copy(field, src[n:total])
	return field, total, nil
}
