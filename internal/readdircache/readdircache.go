// Package readdircache implements the Readdir Merge (spec.md §4.9): fold
// a directory's per-branch listings into a single deduplicated stream
// honoring whiteouts and opaque stops, and retain a resumable cursor
// across release/open cycles so remote clients (NFS) can continue a
// readdir that spans multiple RPCs.
package readdircache

import (
	"sync"
	"time"

	"github.com/go-unionfs/unionfs/internal/whiteout"
)

// RawEntry is one name returned by a single branch's directory stream,
// before whiteout/opaque filtering.
type RawEntry struct {
	Name string
}

// Entry is a merged, de-duplicated directory entry ready to hand to the
// host, carrying the branch it was found on as an ino hint.
type Entry struct {
	Name   string
	Branch int
}

// Lister returns the raw directory stream for one branch index.
type Lister func(branchIdx int) ([]RawEntry, error)

// Merge implements spec.md §4.9's algorithm: iterate branches
// [dbstart..dbend], or only up to dbopaque (inclusive) when set, folding
// whiteout and already-seen names out of the result.
func Merge(dbstart, dbend, dbopaque int, list Lister) ([]Entry, error) {
	end := dbend
	if dbopaque != -1 && dbopaque < end {
		end = dbopaque
	}

	seen := make(map[string]bool)
	var out []Entry

	for b := dbstart; b <= end && b >= 0; b++ {
		entries, err := list(b)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if whiteout.IsOpaqueMarker(e.Name) {
				continue
			}
			if target, ok := whiteout.Target(e.Name); ok {
				seen[target] = true
				continue
			}
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			out = append(out, Entry{Name: e.Name, Branch: b})
		}
	}
	return out, nil
}

// Cursor is the resumable merge state handed back to a directory fan-out
// file at release time and reattached on the next open for the same
// inode (spec.md §3 File.readdir_cursor, §4.8 release).
type Cursor struct {
	// Offset is the encoded position: the low 20 bits are the
	// per-directory offset into the merged entry list, the next 12 bits
	// are the cookie that names this cursor to remote (NFS) clients
	// (spec.md §4.9: "The cookie occupies 12 bits; the per-directory
	// offset occupies 20 bits").
	Offset uint32
	Seen   map[string]bool
}

const (
	offsetBits = 20
	offsetMask = 1<<offsetBits - 1
	cookieMask = 1<<12 - 1
)

// EncodeOffset packs a cookie and a per-directory offset into the single
// 32-bit value the host readdir offset carries.
func EncodeOffset(cookie uint32, offset uint32) uint32 {
	return (cookie&cookieMask)<<offsetBits | (offset & offsetMask)
}

// DecodeOffset splits a host readdir offset back into its cookie and
// per-directory offset.
func DecodeOffset(encoded uint32) (cookie uint32, offset uint32) {
	return (encoded >> offsetBits) & cookieMask, encoded & offsetMask
}

type cacheEntry struct {
	cursor   *Cursor
	storedAt time.Time
}

// Cache is the per-inode LRU readdir-cursor cache (spec.md §4.9's "a
// bounded time (LRU eviction)" retention, and spec.md §9's
// RDCACHE_JIFFIES open question, resolved as the configurable TTL
// below). It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    []uint64 // inode ids, most-recently-touched last
	entries  map[uint64]cacheEntry
	now      func() time.Time
}

// NewCache builds a cursor cache retaining up to capacity cursors for
// ttl, keyed by inode id. now is injectable so tests can control the
// clock; production callers pass time.Now.
func NewCache(capacity int, ttl time.Duration, now func() time.Time) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{capacity: capacity, ttl: ttl, entries: make(map[uint64]cacheEntry), now: now}
}

// Put stores cursor for inodeID, evicting the least-recently-touched
// entry if the cache is at capacity.
func (c *Cache) Put(inodeID uint64, cursor *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[inodeID]; exists {
		for i, id := range c.order {
			if id == inodeID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	} else if len(c.order) >= c.capacity {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, evict)
	}
	c.order = append(c.order, inodeID)
	c.entries[inodeID] = cacheEntry{cursor: cursor, storedAt: c.now()}
}

// Get returns the cursor for inodeID if present and not yet expired,
// removing it from the cache either way (a cursor is consumed once
// reattached to a reopened directory file).
func (c *Cache) Get(inodeID uint64) (*Cursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[inodeID]
	if !ok {
		return nil, false
	}
	delete(c.entries, inodeID)
	for i, id := range c.order {
		if id == inodeID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	if c.now().Sub(e.storedAt) > c.ttl {
		return nil, false
	}
	return e.cursor, true
}
