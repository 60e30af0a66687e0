package memtable

import (
	"testing"

	"github.com/flashlog/ember/internal/record"
)

func TestMemtablePutGetDelete(t *testing.T) {
	m := New()

	m.Put([]byte("k1"), []byte("v1"))
	m.Put([]byte("k2"), []byte("v2"))

	r, ok := m.Get([]byte("k1"))
	if !ok || r.Marker != record.Live || string(r.Value) != "v1" {
		t.Fatalf("Get(k1) = %+v, %v", r, ok)
	}

	m.Delete([]byte("k1"))
	r, ok = m.Get([]byte("k1"))
	if !ok {
		t.Fatal("deleted key should still be present as a tombstone")
	}
	if r.Marker != record.Dead {
		t.Fatalf("deleted key marker = %v, want Dead", r.Marker)
	}

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (tombstone still counts as a key)", m.Len())
	}
}

func TestMemtableApproxBytesDoubleCountsOverwrites(t *testing.T) {
	m := New()

	m.Put([]byte("key"), []byte("short"))
	afterFirst := m.ApproxBytes()
	if afterFirst <= 0 {
		t.Fatalf("ApproxBytes() = %d, want positive", afterFirst)
	}

	// An overwrite adds its own size on top rather than netting out the
	// value it replaces — a soft threshold tolerates the over-count, and
	// Len() still reports one key.
	m.Put([]byte("key"), []byte("short"))
	afterSecond := m.ApproxBytes()
	if afterSecond != 2*afterFirst {
		t.Fatalf("ApproxBytes() after overwrite = %d, want %d (double-counted)", afterSecond, 2*afterFirst)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (overwrite does not add a key)", m.Len())
	}
}

func TestMemtableIteratorOrdered(t *testing.T) {
	m := New()
	for _, k := range []string{"zeta", "alpha", "mu"} {
		m.Put([]byte(k), []byte(k))
	}

	var got []string
	for r := range m.Iterator() {
		got = append(got, string(r.Key))
	}
	want := []string{"alpha", "mu", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
