// Package fanout implements the per-dentry/per-inode/per-file fan-out
// objects of spec.md §3/§4.2: a contiguous range of branch indices plus a
// parallel array of lower handles, kept coherent across branch
// reconfiguration by a generation stamp.
package fanout

import (
	"os"

	"github.com/jacobsa/syncutil"

	"github.com/go-unionfs/unionfs/internal/branch"
)

// LowerDentry is the per-branch slot of a fan-out dentry: a lower
// directory entry plus the mount it came from. A slot with Present false
// at an interior index is only valid for directories (spec.md invariant 4).
type LowerDentry struct {
	Present  bool
	Name     string      // the lower path this slot resolved to
	Mode     os.FileMode // cached type bit, avoids a re-stat for directory tests
	BranchID branch.ID
}

// Dentry is the fan-out object bound to one logical name resolution: the
// range [DBStart, DBEnd] of branch indices it spans, an optional DBOpaque
// stop index, and a generation stamp for the revalidation protocol.
type Dentry struct {
	// Mu is the per-dentry lock (spec.md §5): child locked before parent
	// for top-down walks that already hold the parent; for the two parents
	// of a rename, fs locks the one with the lower fuseops.InodeID first.
	// It is an InvariantMutex, so CheckInvariants runs around every
	// critical section when syncutil's invariant checking is enabled.
	Mu syncutil.InvariantMutex

	Name string // the fan-out's logical (union) name

	DBStart  int // -1 for a negative dentry
	DBEnd    int
	DBOpaque int // -1 if no opaque stop was hit

	Lower []LowerDentry // length == current branch count

	// Generation is G_d: the branch-table generation this fan-out's
	// indices are expressed in terms of (spec.md invariant 6).
	Generation uint64

	// NegativeBranch is the branch index of the first negative lower
	// dentry recorded during a lookup scan (-1 if none); it gives a future
	// create() a parent+branch target without re-scanning (spec.md §4.4).
	NegativeBranch int

	Unhashed bool // logically deleted; revalidation skips unhashed dentries
}

// NewNegative creates a negative fan-out dentry (no positive lower
// entries found).
func NewNegative(name string, generation uint64) *Dentry {
	d := &Dentry{Name: name, DBStart: -1, DBEnd: -1, DBOpaque: -1, NegativeBranch: -1, Generation: generation}
	d.Mu = syncutil.NewInvariantMutex(d.CheckInvariants)
	return d
}

// NewPositive creates a positive fan-out dentry spanning [start, end].
func NewPositive(name string, start, end int, branchCount int, generation uint64) *Dentry {
	d := &Dentry{
		Name:       name,
		DBStart:    start,
		DBEnd:      end,
		DBOpaque:   -1,
		Lower:      make([]LowerDentry, branchCount),
		Generation: generation,
	}
	d.Mu = syncutil.NewInvariantMutex(d.CheckInvariants)
	return d
}

// Positive reports whether the dentry currently resolves to at least one
// lower object.
func (d *Dentry) Positive() bool { return d.DBStart >= 0 }

// CheckInvariants enforces spec.md §3's invariants 1 and 3 and the
// endpoint-presence part of invariants 4/5 for a dentry. It is wired into
// Mu as an InvariantMutex check function, so every lock/unlock cycle
// verifies them when syncutil's invariant checking is enabled; a violation crashes the process or
// is logged and swallowed depending on SetExitOnViolation.
func (d *Dentry) CheckInvariants() {
	// Invariant 1: dbstart <= dbend, both in [0, N) or both -1.
	if d.DBStart == -1 || d.DBEnd == -1 {
		if d.DBStart != -1 || d.DBEnd != -1 {
			violate("negative dentry must have both DBStart and DBEnd == -1")
		}
		return
	}
	if d.DBStart > d.DBEnd {
		violate("DBStart > DBEnd")
		return
	}
	if d.DBStart < 0 || d.DBEnd >= len(d.Lower) {
		violate("branch range out of bounds")
		return
	}

	// Invariant 4/5: endpoints non-null, mount present wherever object is.
	if !d.Lower[d.DBStart].Present {
		violate("Lower[DBStart] must be present for a positive dentry")
	}
	if !d.Lower[d.DBEnd].Present {
		violate("Lower[DBEnd] must be present for a positive dentry")
	}

	isDir := d.Lower[d.DBStart].Mode.IsDir()
	if !isDir && d.DBStart != d.DBEnd {
		// Invariant 3: regular files and symlinks occupy exactly one branch.
		violate("non-directory dentry must have DBStart == DBEnd")
	}
}

// Reset turns the dentry negative: it sets DBStart, DBEnd and DBOpaque to
// -1 and replaces Lower with branchCount empty slots. It closes nothing.
// Callers must hold Mu.
func (d *Dentry) Reset(branchCount int) {
	d.DBStart, d.DBEnd, d.DBOpaque = -1, -1, -1
	d.Lower = make([]LowerDentry, branchCount)
}
