package inodemap

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	m := New("")
	m.Put(256, 2)
	m.Put(257, 11)
	m.Put(9999999, 12)

	if ino, ok := m.Get(256); !ok || ino != 2 {
		t.Fatalf("expected root remap to inode 2, got %d ok=%v", ino, ok)
	}
	if ino, ok := m.Get(257); !ok || ino != 11 {
		t.Fatalf("expected 11, got %d ok=%v", ino, ok)
	}
	if _, ok := m.Get(42); ok {
		t.Fatal("expected miss for unmapped objectid")
	}
}

func TestReverseLookup(t *testing.T) {
	m := New("")
	m.Put(256, 2)
	m.Put(300, 11)
	if btrfsIno, ok := m.Reverse(11); !ok || btrfsIno != 300 {
		t.Fatalf("expected objectid 300, got %d ok=%v", btrfsIno, ok)
	}
}

func TestLoadFactorStaysBounded(t *testing.T) {
	m := New("")
	for i := uint64(0); i < 1000; i++ {
		m.Put(i+1000, uint32(i+11))
	}
	if lf := m.LoadFactor(); lf > 0.5 {
		t.Fatalf("load factor %f exceeds 0.5 cap", lf)
	}
}
