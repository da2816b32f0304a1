package bitmap

import "testing"

func TestNextAllocatesLowestFree(t *testing.T) {
	b := New(3)
	for i := uint32(0); i < 4; i++ {
		idx, ok := b.Next()
		if !ok {
			t.Fatalf("allocation %d: expected ok", i)
		}
		if idx != i {
			t.Fatalf("allocation %d: got index %d", i, idx)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected allocation to fail once exhausted")
	}
}

func TestClearFreesIndexForReuse(t *testing.T) {
	b := New(7)
	a, _ := b.Next()
	_, _ = b.Next()
	b.Clear(a)
	got, ok := b.Next()
	if !ok || got != a {
		t.Fatalf("expected cleared index %d to be reallocated, got %d ok=%v", a, got, ok)
	}
}

func TestSetMarksIndexInUse(t *testing.T) {
	b := New(7)
	b.Set(2)
	if !b.IsSet(2) {
		t.Fatal("expected index 2 to be set")
	}
	idx, ok := b.Next()
	if !ok || idx != 0 {
		t.Fatalf("expected next free index to be 0, got %d ok=%v", idx, ok)
	}
}
