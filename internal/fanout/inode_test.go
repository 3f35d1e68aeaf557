package fanout

import "testing"

func TestDirNlinkSummation(t *testing.T) {
	in := &Inode{
		IBStart: 0,
		IBEnd:   2,
		Type:    TypeDirectory,
		Lower: []LowerInode{
			{Present: true, Nlink: 3}, // contributes 1
			{Present: true, Nlink: 0}, // contributes 0 (empty-lower-branch)
			{Present: true, Nlink: 1}, // contributes 2 (broken filesystem)
		},
	}

	got := in.sumDirNlinks()
	// base 2 + 1 + 0 + 2 == 5
	if want := uint32(5); got != want {
		t.Fatalf("sumDirNlinks() = %d, want %d", got, want)
	}
}

func TestLookupCountDestroysAtZero(t *testing.T) {
	destroyed := false
	in := NewInode(1, NewPositive("foo", 0, 0, 1, 1))
	in.lc.destroy = func() error { destroyed = true; return nil }

	in.IncrementLookupCount()
	in.IncrementLookupCount()
	if in.DecrementLookupCount(1) {
		t.Fatalf("should not destroy until count reaches zero")
	}
	if !in.DecrementLookupCount(1) {
		t.Fatalf("should report destroyed once count reaches zero")
	}
	if !destroyed {
		t.Fatalf("destroy callback should have run")
	}
}
