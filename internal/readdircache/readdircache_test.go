package readdircache

import (
	"testing"
	"time"

	"github.com/go-unionfs/unionfs/internal/whiteout"
)

func listerFrom(branches map[int][]RawEntry) Lister {
	return func(b int) ([]RawEntry, error) { return branches[b], nil }
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestMergeDeduplicatesAcrossBranches(t *testing.T) {
	list := listerFrom(map[int][]RawEntry{
		0: {{Name: "a"}, {Name: "b"}},
		1: {{Name: "b"}, {Name: "c"}},
	})
	entries, err := Merge(0, 1, -1, list)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := names(entries)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Merge names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Merge names = %v, want %v", got, want)
		}
	}
}

func TestMergeSuppressesWhiteoutTarget(t *testing.T) {
	list := listerFrom(map[int][]RawEntry{
		0: {{Name: whiteout.Name("b")}, {Name: "a"}},
		1: {{Name: "a"}, {Name: "b"}},
	})
	entries, err := Merge(0, 1, -1, list)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := names(entries)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("Merge names = %v, want [a] (b whited out by branch 0)", got)
	}
}

func TestMergeStopsAtOpaqueBranch(t *testing.T) {
	list := listerFrom(map[int][]RawEntry{
		0: {{Name: "a"}, {Name: whiteout.OpaqueMarker}},
		1: {{Name: "b"}},
	})
	entries, err := Merge(0, 1, 0, list)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := names(entries)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("Merge names = %v, want [a] (branch 1 hidden by opaque stop at 0)", got)
	}
}

func TestEncodeDecodeOffsetRoundTrips(t *testing.T) {
	enc := EncodeOffset(0xABC, 0x12345)
	cookie, offset := DecodeOffset(enc)
	if cookie != 0xABC {
		t.Fatalf("cookie = %x, want ABC", cookie)
	}
	if offset != 0x12345&offsetMask {
		t.Fatalf("offset = %x, want %x", offset, 0x12345&offsetMask)
	}
}

func TestCacheEvictsLeastRecentlyTouched(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCache(2, time.Hour, func() time.Time { return now })

	c.Put(1, &Cursor{Offset: 1})
	c.Put(2, &Cursor{Offset: 2})
	c.Put(3, &Cursor{Offset: 3}) // evicts inode 1

	if _, ok := c.Get(1); ok {
		t.Fatalf("expected inode 1 to have been evicted")
	}
	if cur, ok := c.Get(2); !ok || cur.Offset != 2 {
		t.Fatalf("expected inode 2 still cached")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCache(4, time.Minute, func() time.Time { return now })

	c.Put(1, &Cursor{Offset: 1})
	now = now.Add(2 * time.Minute)

	if _, ok := c.Get(1); ok {
		t.Fatalf("expected cursor to have expired")
	}
}

func TestCacheGetConsumesEntry(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCache(4, time.Hour, func() time.Time { return now })
	c.Put(1, &Cursor{Offset: 7})

	if _, ok := c.Get(1); !ok {
		t.Fatalf("expected first Get to find the cursor")
	}
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected second Get to find nothing, cursor should be consumed")
	}
}
