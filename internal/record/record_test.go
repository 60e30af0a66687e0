package record

import (
	"bytes"
	"testing"

	"github.com/flashlog/ember/errs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Marker: Live, Key: []byte("hello"), Value: []byte("world")},
		{Marker: Dead, Key: []byte("deleted-key"), Value: nil},
		{Marker: Live, Key: []byte{}, Value: []byte("empty-key")},
		{Marker: Live, Key: []byte("empty-value"), Value: []byte{}},
		{Marker: Live, Key: bytes.Repeat([]byte{0xAB}, 10_000), Value: bytes.Repeat([]byte{0xCD}, 20_000)},
	}

	for _, want := range cases {
		enc := Encode(nil, want)
		if len(enc) != EncodedLen(want) {
			t.Fatalf("EncodedLen mismatch: got %d want %d", EncodedLen(want), len(enc))
		}
		got, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if n != len(enc) {
			t.Fatalf("Decode consumed %d bytes, want %d", n, len(enc))
		}
		if got.Marker != want.Marker || !bytes.Equal(got.Key, want.Key) || !bytes.Equal(got.Value, want.Value) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestEncodeThenTrailingBytesIgnored(t *testing.T) {
	r := Record{Marker: Live, Key: []byte("k"), Value: []byte("v")}
	enc := Encode(nil, r)
	enc = append(enc, 0xFF, 0xFF, 0xFF)

	got, n, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != EncodedLen(r) {
		t.Fatalf("Decode should not consume trailing bytes, consumed %d want %d", n, EncodedLen(r))
	}
	if string(got.Key) != "k" || string(got.Value) != "v" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	r := Record{Marker: Live, Key: []byte("key"), Value: []byte("value")}
	full := Encode(nil, r)

	for n := 0; n < len(full); n++ {
		_, _, err := Decode(full[:n])
		if err == nil {
			t.Fatalf("Decode(%d bytes): expected error, got nil", n)
		}
		if errs.CodeOf(err) != errs.CorruptRecord {
			t.Fatalf("Decode(%d bytes): got code %v, want CorruptRecord", n, errs.CodeOf(err))
		}
	}
}

func TestDecodeRejectsUnreasonableLength(t *testing.T) {
	// marker byte + a varint encoding a length far beyond MaxFieldLen.
	src := []byte{byte(Live), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	_, _, err := Decode(src)
	if err == nil {
		t.Fatal("expected error for oversized field length")
	}
	if errs.CodeOf(err) != errs.CorruptRecord {
		t.Fatalf("got code %v, want CorruptRecord", errs.CodeOf(err))
	}
}
