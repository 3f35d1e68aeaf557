package fanout

import (
	"os"

	"github.com/jacobsa/syncutil"

	"github.com/go-unionfs/unionfs/internal/branch"
)

// LowerFile is the per-branch slot of a fan-out file: an open lower
// handle plus the branch id that was current when it was opened
// ("saved branch id", spec.md §3/§4.8), so release can find the right
// branch's open-count even if branches were reconfigured meanwhile.
type LowerFile struct {
	Present  bool
	File     *os.File
	BranchID branch.ID
}

// File is the fan-out file fan-out object created by open (spec.md
// §4.8). Invariant: FBStart == dentry.DBStart and FBEnd == dentry.DBEnd
// at all times the file is considered current; when a revalidation detects
// drift, the file is closed and reopened (spec.md §4.3 step 5).
type File struct {
	Mu syncutil.InvariantMutex

	FBStart, FBEnd int
	Lower          []LowerFile

	// Generation is G_f, stamped at open/reopen time.
	Generation uint64

	// ReadDirCursor, when non-nil, is the persisted merge-readdir state
	// for a directory fan-out file (spec.md §4.9), reattached on open from
	// the inode's LRU readdir cache.
	ReadDirCursor any
}

// NewFile allocates an empty fan-out file for the given branch range.
func NewFile(start, end, branchCount int, generation uint64) *File {
	f := &File{FBStart: start, FBEnd: end, Lower: make([]LowerFile, branchCount), Generation: generation}
	f.Mu = syncutil.NewInvariantMutex(f.CheckInvariants)
	return f
}

// CheckInvariants verifies the file fan-out's internal self-consistency.
func (f *File) CheckInvariants() {
	if f.FBStart > f.FBEnd {
		violate("File FBStart > FBEnd")
		return
	}
	if f.FBStart < 0 {
		return
	}
	if f.FBEnd >= len(f.Lower) {
		violate("File branch range out of bounds")
	}
}

// Set installs an open lower file at index i under the given branch id.
func (f *File) Set(i int, file *os.File, id branch.ID) {
	f.Lower[i] = LowerFile{Present: true, File: file, BranchID: id}
}

// CloseAll closes every open lower handle and decrements their branch
// open counts under their saved ids (spec.md §4.3 step 5, §4.8 release).
// Returns the first close error encountered, after attempting to close
// every handle regardless (no-resources unwind must be total).
func (f *File) CloseAll(tbl *branch.Table) error {
	var first error
	for i := range f.Lower {
		slot := &f.Lower[i]
		if !slot.Present {
			continue
		}
		if err := slot.File.Close(); err != nil && first == nil {
			first = err
		}
		tbl.DecrementOpens(slot.BranchID)
		slot.Present = false
		slot.File = nil
	}
	return first
}
