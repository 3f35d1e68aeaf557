package fanout

import (
	"os"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/go-unionfs/unionfs/internal/branch"
)

// LowerInode is the per-branch slot of a fan-out inode.
type LowerInode struct {
	Present  bool
	BranchID branch.ID
	Mode     os.FileMode
	Size     int64
	Nlink    uint32
	Mtime    time.Time
	Ctime    time.Time
	Uid, Gid uint32
	Rdev     uint32 // major/minor for device special files
}

// Inode is the fan-out inode bound to a dentry: [IBStart, IBEnd] mirrors
// the owning dentry's [DBStart, DBEnd] at all times the inode is attached
// (spec.md invariant 2), with a parallel lower-inode array.
type Inode struct {
	Mu syncutil.InvariantMutex

	ID uint64 // union-wide monotonic id, assigned at interpose (spec.md §4.5)

	IBStart, IBEnd int
	Lower          []LowerInode

	// Type is fixed at interpose time from the first lower inode
	// (spec.md §4.5's "operation vtables are selected from the first
	// lower inode's type").
	Type FileType

	lc lookupCount
}

// FileType tags the variant selected at interpose time (spec.md §9
// "Inheritance / polymorphism": a tagged variant over
// {Regular, Directory, Symlink, Special{device_id}} rather than a class
// hierarchy).
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeSpecial
)

// NewInode allocates a fan-out inode from a dentry's current range and
// lower dentries, and assigns it the next monotonic id.
func NewInode(id uint64, d *Dentry) *Inode {
	in := &Inode{
		ID:      id,
		IBStart: d.DBStart,
		IBEnd:   d.DBEnd,
		Lower:   make([]LowerInode, len(d.Lower)),
	}
	in.Mu = syncutil.NewInvariantMutex(in.CheckInvariants)
	in.lc.destroy = func() error { return nil }
	return in
}

// CheckInvariants enforces spec.md invariant 2: IBStart/IBEnd mirror the
// owning dentry's DBStart/DBEnd. Since the inode does not hold a pointer
// back to its dentry (spec.md §9 "model this as handles... back-references
// become index lookups rather than owning pointers"), the caller
// (interpose) is responsible for keeping the two in lock-step; this check
// only verifies internal self-consistency (range within Lower bounds).
func (in *Inode) CheckInvariants() {
	if in.IBStart > in.IBEnd {
		violate("Inode IBStart > IBEnd")
		return
	}
	if in.IBStart < 0 || in.IBEnd >= len(in.Lower) {
		return // negative/unattached inode
	}
	if !in.Lower[in.IBStart].Present || !in.Lower[in.IBEnd].Present {
		violate("Inode endpoints must be present")
	}
}

// IncrementLookupCount increments the inode's kernel lookup count
// (spec.md §4.5/§4.8's "a fan-out inode is... destroyed when the host
// releases the last reference").
func (in *Inode) IncrementLookupCount() { in.lc.Inc() }

// DecrementLookupCount decrements the lookup count by n, invoking the
// destroy callback and reporting true when it reaches zero.
func (in *Inode) DecrementLookupCount(n uint64) bool { return in.lc.Dec(n) }

// Attr computes fuse-style attributes from the first lower inode
// (spec.md §4.5: "Attributes... are copied from the first lower inode;
// link count is recomputed by summing across directory branches").
func (in *Inode) Attr() LowerInode {
	if in.IBStart < 0 || in.IBStart >= len(in.Lower) {
		return LowerInode{}
	}
	a := in.Lower[in.IBStart]
	if in.Type == TypeDirectory {
		a.Nlink = in.sumDirNlinks()
	}
	return a
}

// sumDirNlinks implements spec.md §4.7 rule D: for directories, sum
// (nlink - 2) across present lower directories, then add 2; an
// empty-lower-branch (nlink 0) contributes 0; a broken filesystem
// reporting nlink 1 contributes 2.
func (in *Inode) sumDirNlinks() uint32 {
	var sum uint32
	for i := in.IBStart; i <= in.IBEnd && i < len(in.Lower); i++ {
		li := in.Lower[i]
		if !li.Present {
			continue
		}
		switch li.Nlink {
		case 0:
			// contributes 0
		case 1:
			sum += 2
		default:
			sum += li.Nlink - 2
		}
	}
	return sum + 2
}
