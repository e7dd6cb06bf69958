package objectio

import "testing"

func TestCumulativeIndexLocate(t *testing.T) {
	chunks := []ChunkEntry{{Size: 10}, {Size: 20}, {Size: 5}}
	idx := buildCumulativeIndex(chunks)

	if got := idx.total(); got != 35 {
		t.Fatalf("expected total 35, got %d", got)
	}

	cases := []struct {
		offset      int64
		wantIdx     int
		wantWithin  int64
		wantOK      bool
	}{
		{0, 0, 0, true},
		{9, 0, 9, true},
		{10, 1, 0, true},
		{29, 1, 19, true},
		{30, 2, 0, true},
		{34, 2, 4, true},
		{35, 0, 0, false},
		{-1, 0, 0, false},
	}
	for _, tc := range cases {
		gotIdx, gotWithin, gotOK := idx.locate(tc.offset)
		if gotOK != tc.wantOK {
			t.Fatalf("offset %d: ok=%v want %v", tc.offset, gotOK, tc.wantOK)
		}
		if !tc.wantOK {
			continue
		}
		if gotIdx != tc.wantIdx || gotWithin != tc.wantWithin {
			t.Fatalf("offset %d: got (idx=%d within=%d) want (idx=%d within=%d)", tc.offset, gotIdx, gotWithin, tc.wantIdx, tc.wantWithin)
		}
	}
}

func TestCumulativeIndexEmpty(t *testing.T) {
	idx := buildCumulativeIndex(nil)
	if idx.total() != 0 {
		t.Fatalf("expected 0 total for empty chunk list, got %d", idx.total())
	}
	if _, _, ok := idx.locate(0); ok {
		t.Fatal("expected locate to fail on empty index")
	}
}
