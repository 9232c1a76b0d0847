package relocate

import (
	"testing"

	"github.com/sisatech/btrfs2ext4/pkg/btrfs"
)

func TestCoalesceAdjacentEntries(t *testing.T) {
	entries := []Entry{
		{SrcOffset: 0, DstOffset: 1000, Length: 100},
		{SrcOffset: 100, DstOffset: 1100, Length: 50},
		{SrcOffset: 200, DstOffset: 5000, Length: 10}, // not adjacent to dst
	}
	out := coalesce(entries)
	if len(out) != 2 {
		t.Fatalf("expected 2 coalesced entries, got %d", len(out))
	}
	if out[0].Length != 150 {
		t.Fatalf("expected merged length 150, got %d", out[0].Length)
	}
	if out[0].Seq != 0 || out[1].Seq != 1 {
		t.Fatalf("expected renumbered sequences, got %d %d", out[0].Seq, out[1].Seq)
	}
}

func TestConflictCountSkipsInlineAndHoles(t *testing.T) {
	m := btrfs.NewModel()
	fe := &btrfs.FileEntry{Ino: 257}
	fe.Extents = []*btrfs.Extent{
		{Type: btrfs.ExtentInline},
		{Type: btrfs.ExtentReg, DiskBytenr: 0}, // hole
	}
	m.Inodes[257] = fe

	cm := btrfs.NewChunkMap()
	p := NewPlanner(m, cm, 4096, 100, nil)
	if n := p.ConflictCount(); n != 0 {
		t.Fatalf("expected 0 conflicts for inline/hole-only inode, got %d", n)
	}
}
