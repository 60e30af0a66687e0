package sparseindex

import "testing"

func TestLocateMissesBeforeFirstKey(t *testing.T) {
	idx := New()
	idx.ApplyFlush(map[string]Address{
		"bravo": {SegmentID: 1, Offset: 100},
	})

	if _, _, ok := idx.Locate([]byte("alpha")); ok {
		t.Fatal("Locate before the first sampled key should miss")
	}
}

func TestLocateReturnsBoundToNextSample(t *testing.T) {
	idx := New()
	idx.ApplyFlush(map[string]Address{
		"alpha": {SegmentID: 1, Offset: 0},
		"mike":  {SegmentID: 1, Offset: 500},
		"zulu":  {SegmentID: 1, Offset: 1000},
	})

	addr, bound, ok := idx.Locate([]byte("golf"))
	if !ok {
		t.Fatal("Locate(golf) should hit the alpha block")
	}
	if addr.Offset != 0 {
		t.Fatalf("addr.Offset = %d, want 0", addr.Offset)
	}
	if bound.NextOffset != 500 {
		t.Fatalf("bound.NextOffset = %d, want 500", bound.NextOffset)
	}

	addr, bound, ok = idx.Locate([]byte("zulu"))
	if !ok || addr.Offset != 1000 {
		t.Fatalf("Locate(zulu) = %+v, %v", addr, ok)
	}
	if bound.NextOffset != -1 {
		t.Fatalf("bound.NextOffset for the last sample = %d, want -1", bound.NextOffset)
	}
}

func TestLocateBoundStopsAtSegmentBoundary(t *testing.T) {
	idx := New()
	idx.ApplyFlush(map[string]Address{
		"alpha": {SegmentID: 1, Offset: 0},
	})
	idx.ApplyFlush(map[string]Address{
		"zulu": {SegmentID: 2, Offset: 0},
	})

	_, bound, ok := idx.Locate([]byte("mike"))
	if !ok {
		t.Fatal("Locate(mike) should hit the alpha block from segment 1")
	}
	if bound.NextOffset != -1 {
		t.Fatalf("bound should not cross into segment 2, got NextOffset=%d", bound.NextOffset)
	}
}

func TestReplaceSegmentsDropsOnlyCompactedSegments(t *testing.T) {
	idx := New()
	idx.ApplyFlush(map[string]Address{
		"alpha": {SegmentID: 1, Offset: 0},
		"bravo": {SegmentID: 2, Offset: 0},
	})
	idx.ReplaceSegments([]uint64{1, 2}, map[string]Address{
		"alpha": {SegmentID: 3, Offset: 0},
	})

	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after ReplaceSegments", idx.Len())
	}
	addr, _, ok := idx.Locate([]byte("alpha"))
	if !ok || addr.SegmentID != 3 {
		t.Fatalf("Locate(alpha) after compaction = %+v, %v, want segment 3", addr, ok)
	}
}

func TestReplaceSegmentsKeepsConcurrentlyFlushedSegment(t *testing.T) {
	idx := New()
	idx.ApplyFlush(map[string]Address{
		"alpha": {SegmentID: 1, Offset: 0},
	})
	// A flush that landed on segment 5 while segment 1 was being compacted.
	idx.ApplyFlush(map[string]Address{
		"zulu": {SegmentID: 5, Offset: 0},
	})

	idx.ReplaceSegments([]uint64{1}, map[string]Address{
		"alpha": {SegmentID: 4, Offset: 0},
	})

	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (compacted + untouched flush)", idx.Len())
	}
	addr, _, ok := idx.Locate([]byte("zulu"))
	if !ok || addr.SegmentID != 5 {
		t.Fatalf("Locate(zulu) = %+v, %v, want segment 5 preserved", addr, ok)
	}
}
