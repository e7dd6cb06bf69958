package chunker

import (
	"math/rand"
	"testing"
)

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name    string
		p       Params
		wantErr bool
	}{
		{"defaults", DefaultParams, false},
		{"zero min", Params{MinSize: 0, AvgSize: 8, MaxSize: 16}, true},
		{"out of order", Params{MinSize: 16, AvgSize: 8, MaxSize: 4}, true},
		{"equal bounds", Params{MinSize: 8, AvgSize: 8, MaxSize: 8}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestChunkCoversInputExactlyOnce(t *testing.T) {
	data := randomBytes(1, 500*1024)
	c := New(Params{MinSize: 1024, AvgSize: 4096, MaxSize: 16384})
	ranges := c.Chunk(data)

	if len(ranges) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if ranges[0].Start != 0 {
		t.Fatalf("first range must start at 0, got %d", ranges[0].Start)
	}
	if ranges[len(ranges)-1].End != len(data) {
		t.Fatalf("last range must end at %d, got %d", len(data), ranges[len(ranges)-1].End)
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start != ranges[i-1].End {
			t.Fatalf("gap or overlap between range %d (%v) and %d (%v)", i-1, ranges[i-1], i, ranges[i])
		}
	}
}

func TestChunkRespectsMinAndMax(t *testing.T) {
	data := randomBytes(2, 500*1024)
	p := Params{MinSize: 1024, AvgSize: 4096, MaxSize: 16384}
	c := New(p)
	ranges := c.Chunk(data)

	for i, r := range ranges {
		if r.Len() > int(p.MaxSize) {
			t.Fatalf("range %d exceeds MaxSize: %d > %d", i, r.Len(), p.MaxSize)
		}
		// the final chunk may be shorter than MinSize: it's whatever is
		// left over at the end of the stream.
		if i != len(ranges)-1 && r.Len() < int(p.MinSize) {
			t.Fatalf("non-final range %d below MinSize: %d < %d", i, r.Len(), p.MinSize)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	data := randomBytes(3, 200*1024)
	c := New(DefaultParams)
	a := c.Chunk(data)
	b := c.Chunk(data)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic range %d: %v vs %v", i, a[i], b[i])
		}
	}
}

// TestChunkLocalizedInsertion verifies the content-defined property: an
// insertion in the middle of the stream should only perturb chunks near
// the insertion point, not every chunk after it.
func TestChunkLocalizedInsertion(t *testing.T) {
	data := randomBytes(4, 300*1024)
	c := New(Params{MinSize: 1024, AvgSize: 4096, MaxSize: 16384})
	before := c.Chunk(data)

	insertAt := len(data) / 2
	inserted := append([]byte{}, data[:insertAt]...)
	inserted = append(inserted, []byte("hello, world, this is an inserted span")...)
	inserted = append(inserted, data[insertAt:]...)
	after := c.Chunk(inserted)

	// Chunk boundaries before the insertion point should be identical.
	matched := 0
	for i := 0; i < len(before) && i < len(after); i++ {
		if before[i] == after[i] {
			matched++
		} else {
			break
		}
	}
	if matched == 0 {
		t.Fatal("expected at least the first chunk to survive an insertion deep into the stream")
	}

	// Both chunkings cover their whole stream, so the chunked totals
	// differ by exactly the length of the inserted span.
	totalBefore := chunkedBytes(data, before)
	totalAfter := chunkedBytes(inserted, after)
	if totalAfter-totalBefore != len(inserted)-len(data) {
		t.Fatalf("chunk coverage lost bytes: before=%d after=%d inserted=%d", totalBefore, totalAfter, len(inserted)-len(data))
	}

	// Past the insertion the boundaries resynchronize: counting back from
	// the end of each stream, the trailing chunks have identical lengths
	// and therefore cover identical bytes.
	tail := 0
	for i, j := len(before)-1, len(after)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if before[i].Len() != after[j].Len() {
			break
		}
		tail++
	}
	if tail == 0 {
		t.Fatal("expected the chunks at the end of the stream to survive an insertion in the middle")
	}
}

func TestChunkEmpty(t *testing.T) {
	c := New(DefaultParams)
	if got := c.Chunk(nil); got != nil {
		t.Fatalf("expected nil ranges for empty input, got %v", got)
	}
}

func chunkedBytes(data []byte, ranges []Range) int {
	total := 0
	for _, r := range ranges {
		total += len(data[r.Start:r.End])
	}
	return total
}

func randomBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	_, _ = r.Read(buf)
	return buf
}
