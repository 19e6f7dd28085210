package id

import (
	"sync"
	"testing"

	"github.com/maxpert/mtmcore/csn"
)

func TestCSNGenerator_NextXID_Uniqueness(t *testing.T) {
	gen := NewCSNGenerator(csn.NewClock())

	seen := make(map[uint64]bool)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		xid := gen.NextXID()
		if seen[xid] {
			t.Fatalf("duplicate xid generated at iteration %d: %d", i, xid)
		}
		seen[xid] = true
	}
}

func TestCSNGenerator_NextXID_Monotonic(t *testing.T) {
	gen := NewCSNGenerator(csn.NewClock())

	var prev uint64
	const iterations = 1000

	for i := 0; i < iterations; i++ {
		xid := gen.NextXID()
		if xid <= prev {
			t.Fatalf("non-monotonic xid at iteration %d: prev=%d, curr=%d", i, prev, xid)
		}
		prev = xid
	}
}

func TestCSNGenerator_NextXID_Concurrent(t *testing.T) {
	gen := NewCSNGenerator(csn.NewClock())

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan uint64, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- gen.NextXID()
			}
		}()
	}

	wg.Wait()
	close(idsChan)

	seen := make(map[uint64]bool)
	for xid := range idsChan {
		if seen[xid] {
			t.Fatalf("duplicate xid in concurrent test: %d", xid)
		}
		seen[xid] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Fatalf("expected %d unique xids, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}

func TestCSNGenerator_DifferentClocksProduceIndependentSequences(t *testing.T) {
	gen1 := NewCSNGenerator(csn.NewClock())
	gen2 := NewCSNGenerator(csn.NewClock())

	x1 := gen1.NextXID()
	x2 := gen1.NextXID()
	y1 := gen2.NextXID()

	if x2 <= x1 {
		t.Fatalf("gen1 sequence must be strictly increasing: %d then %d", x1, x2)
	}
	if y1 == 0 {
		t.Fatalf("gen2 must produce a nonzero xid")
	}
}

func BenchmarkCSNGenerator_NextXID(b *testing.B) {
	gen := NewCSNGenerator(csn.NewClock())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gen.NextXID()
	}
}

func BenchmarkCSNGenerator_NextXID_Parallel(b *testing.B) {
	gen := NewCSNGenerator(csn.NewClock())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			gen.NextXID()
		}
	})
}
