package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashlog/ember/internal/block"
	"github.com/flashlog/ember/internal/record"
)

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	recs := []record.Record{
		{Marker: record.Live, Key: []byte("k1"), Value: []byte("v1")},
		{Marker: record.Live, Key: []byte("k2"), Value: bytes.Repeat([]byte{0x5}, 500)},
		{Marker: record.Dead, Key: []byte("k1"), Value: nil},
	}
	for _, r := range recs {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	result, err := Replay(path, 64)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.Truncated {
		t.Fatal("Replay should not report truncation on a clean file")
	}
	if len(result.Records) != len(recs) {
		t.Fatalf("Replay returned %d records, want %d", len(result.Records), len(recs))
	}
	for i, want := range recs {
		got := result.Records[i]
		if got.Marker != want.Marker || string(got.Key) != string(want.Key) || string(got.Value) != string(want.Value) {
			t.Fatalf("Replay[%d] = %+v, want %+v", i, got, want)
		}
	}
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	result, err := Replay(filepath.Join(dir, "does-not-exist.log"), 64)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(result.Records) != 0 || result.Truncated {
		t.Fatalf("Replay of missing file = %+v, want empty", result)
	}
}

func TestReplayDetectsCorruptTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	good := record.Record{Marker: record.Live, Key: []byte("good"), Value: []byte("value")}
	if err := w.Append(good); err != nil {
		t.Fatal(err)
	}
	validBytes := w.bw.TotalWritten()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: append a few garbage bytes that look like
	// the start of a fragment header but are truncated.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{byte(block.Complete), 0xFF}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	result, err := Replay(path, 64)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !result.Truncated {
		t.Fatal("Replay should report a truncated tail")
	}
	if len(result.Records) != 1 || string(result.Records[0].Key) != "good" {
		t.Fatalf("Replay.Records = %+v, want just the good record", result.Records)
	}
	if result.ValidBytes != validBytes {
		t.Fatalf("ValidBytes = %d, want %d", result.ValidBytes, validBytes)
	}
}

func TestTruncateThenResumeAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, 64)
	if err != nil {
		t.Fatal(err)
	}
	good := record.Record{Marker: record.Live, Key: []byte("good"), Value: []byte("value")}
	if err := w.Append(good); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{byte(block.Complete), 0xFF})
	f.Close()

	result, err := Replay(path, 64)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Truncated {
		t.Fatal("expected truncated tail")
	}

	if err := Truncate(path, result.ValidBytes, 1_700_000_000); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	w2, err := Open(path, 64)
	if err != nil {
		t.Fatalf("reopen after truncate: %v", err)
	}
	second := record.Record{Marker: record.Live, Key: []byte("second"), Value: []byte("v2")}
	if err := w2.Append(second); err != nil {
		t.Fatal(err)
	}
	if err := w2.Close(); err != nil {
		t.Fatal(err)
	}

	final, err := Replay(path, 64)
	if err != nil {
		t.Fatal(err)
	}
	if final.Truncated {
		t.Fatal("final replay should be clean")
	}
	if len(final.Records) != 2 {
		t.Fatalf("final replay returned %d records, want 2", len(final.Records))
	}
	if string(final.Records[1].Key) != "second" {
		t.Fatalf("final.Records[1] = %+v, want key 'second'", final.Records[1])
	}
}
