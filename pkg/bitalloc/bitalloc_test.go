package bitalloc

import "testing"

func TestAllocOneAvoidsUsed(t *testing.T) {
	bm := New(16)
	bm.SetRange(0, 10)
	a := NewAllocator(bm, 0)
	block, ok := a.AllocOne()
	if !ok || block < 10 {
		t.Fatalf("expected a free block >= 10, got %d ok=%v", block, ok)
	}
}

func TestWrapAroundAllocation(t *testing.T) {
	// Matches scenario 4: cursor near the end, two free bits at the
	// beginning of group 0, the rest used.
	const total = 100
	bm := New(total)
	bm.SetRange(0, total)
	bm.Clear(2)
	bm.Clear(5)

	a := NewAllocator(bm, total-10)
	block, ok := a.AllocOne()
	if !ok {
		t.Fatal("expected allocation to succeed via wrap-around")
	}
	if block != 2 && block != 5 {
		t.Fatalf("expected one of the two free blocks at the start, got %d", block)
	}
}

func TestAllocExhaustion(t *testing.T) {
	bm := New(4)
	bm.SetRange(0, 4)
	a := NewAllocator(bm, 0)
	if _, ok := a.AllocOne(); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestAllocRunContiguous(t *testing.T) {
	bm := New(32)
	bm.SetRange(0, 10)
	bm.SetRange(15, 32-15)
	a := NewAllocator(bm, 0)
	start, ok := a.AllocRun(5)
	if !ok || start != 10 {
		t.Fatalf("expected contiguous run at 10, got start=%d ok=%v", start, ok)
	}
}

func TestAllocRunNeverWrapsPastEnd(t *testing.T) {
	// n=100, cursor=98, blocks [0,10) and [90,100) free. A run of 4
	// starting at 98 would need blocks 98,99,100,101 - the last two don't
	// exist, so scanning on from the cursor the first valid run is the one
	// at the start of the device.
	const total = 100
	bm := New(total)
	bm.SetRange(10, total-20) // used: [10,90)
	a := NewAllocator(bm, 98)

	start, ok := a.AllocRun(4)
	if !ok {
		t.Fatal("expected allocation to succeed via the non-wrapping run at the start")
	}
	if start != 0 {
		t.Fatalf("expected run to start at 0, got start=%d (a wrapping run would incorrectly report 98)", start)
	}
	for i := start; i < start+4; i++ {
		if !bm.IsSet(i) {
			t.Fatalf("expected block %d to be marked used after allocation", i)
		}
	}
}

func TestCountFreeLastPartialGroup(t *testing.T) {
	bm := New(64)
	// Simulate a partial final group: blocks [50,64) don't exist.
	bm.SetRange(50, 14)
	if free := bm.CountFree(-1); free != 50 {
		t.Fatalf("expected 50 free blocks, got %d", free)
	}
}
