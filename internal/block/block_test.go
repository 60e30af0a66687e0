package block

import (
	"bytes"
	"io"
	"testing"

	"github.com/flashlog/ember/errs"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte{0x42}, 1000), // spans several 64-byte blocks
		[]byte(""),
		bytes.Repeat([]byte{0x7A}, 5),
		bytes.Repeat([]byte{0x99}, 200),
	}

	var buf bytes.Buffer
	w := NewWriter(&buf, 64, nil)
	for _, p := range payloads {
		if _, err := w.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()), 64)
	for i, want := range payloads {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Next(%d): got %q want %q", i, got, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after last payload, got %v", err)
	}
}

func TestReaderAtStartsMidFile(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 64, nil)
	first := []byte("first-record")
	second := []byte("second-record-longer-than-first")
	if _, err := w.Append(first); err != nil {
		t.Fatal(err)
	}
	offsetOfSecond, err := w.Append(second)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	ra := bytes.NewReader(buf.Bytes())
	r := NewReaderAt(ra, int64(buf.Len()), 64, offsetOfSecond)
	got, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("got %q want %q", got, second)
	}
}

func TestReaderRejectsMiddleWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 64, nil)
	// Hand-craft a MIDDLE fragment with no preceding START.
	if err := w.writeFragment(Middle, []byte("oops")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()), 64)
	_, err := r.Next()
	if err == nil {
		t.Fatal("expected error for MIDDLE with no START")
	}
	if errs.CodeOf(err) != errs.CorruptBlock {
		t.Fatalf("got code %v, want CorruptBlock", errs.CodeOf(err))
	}
}

func TestReaderEmptyStreamIsEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), 64)
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}
