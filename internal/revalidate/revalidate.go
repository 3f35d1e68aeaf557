// Package revalidate implements the Revalidation protocol (spec.md §4.3):
// deciding whether a dentry's fan-out is still current with respect to the
// branch table's generation, walking a stale ancestor chain top-down, and
// reopening a file's fan-out when its branch range drifts.
package revalidate

import (
	"os"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/errs"
	"github.com/go-unionfs/unionfs/internal/fanout"
	"github.com/go-unionfs/unionfs/internal/lookup"
)

// Stat is shared with internal/lookup so both packages can be driven by
// the same fake lower filesystem in tests.
type Stat = lookup.Stat

// Stale reports whether d's generation trails the branch table's current
// generation (G_d != G_sb, spec.md §4.3 step 2).
func Stale(tbl *branch.Table, d *fanout.Dentry) bool {
	return d.Generation != tbl.Generation()
}

// Fresh re-stats every present lower entry in d's fan-out and reports
// whether the union inode's cached per-branch mtimes are still current
// (spec.md §4.3 step 2: "no lower inode has a newer mtime or ctime than
// the union inode"). A vanished lower entry counts as not fresh.
func Fresh(stat Stat, d *fanout.Dentry, in *fanout.Inode) (bool, error) {
	for b := d.DBStart; b <= d.DBEnd; b++ {
		if b < 0 || b >= len(d.Lower) || !d.Lower[b].Present {
			continue
		}
		fi, err := stat(d.Lower[b].Name)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, errs.Wrap(errs.KindLowerFS, "stat failed during freshness check", err)
		}
		if b < len(in.Lower) && in.Lower[b].Present && fi.ModTime().After(in.Lower[b].Mtime) {
			return false, nil
		}
	}
	return true, nil
}

// ChainStaleFrom walks path (ordered root to leaf) and returns the index
// of the first stale ancestor; the root is always current so index 0 is
// never returned unless path is empty. Callers revalidate path[idx:]
// top-down. Returns len(path) if every node is current.
func ChainStaleFrom(tbl *branch.Table, path []*fanout.Dentry) int {
	for i, d := range path {
		if !d.Unhashed && Stale(tbl, d) {
			return i
		}
	}
	return len(path)
}

// Node re-runs Lookup for a stale dentry under its already-current parent
// and stamps the fresh result into d in place, so existing holders of the
// *fanout.Dentry observe the update (spec.md §4.3 step 3). A dentry that
// is unhashed is left untouched (step 1).
func Node(tbl *branch.Table, parent *fanout.Dentry, d *fanout.Dentry) error {
	if d.Unhashed {
		return nil
	}

	mode := lookup.REVAL
	if !d.Positive() {
		mode = lookup.REVALNeg
	}

	fresh, err := lookup.Lookup(tbl, parent, d.Name, mode)
	if err != nil {
		return errs.Wrap(errs.KindStale, "revalidation lookup failed", err)
	}

	apply(d, fresh)
	return nil
}

func apply(d, fresh *fanout.Dentry) {
	d.DBStart, d.DBEnd, d.DBOpaque = fresh.DBStart, fresh.DBEnd, fresh.DBOpaque
	d.Lower = fresh.Lower
	d.Generation = fresh.Generation
	d.NegativeBranch = fresh.NegativeBranch
}

// Walk revalidates path[start:] top-down, each node against its
// already-revalidated predecessor, matching step 3's "a parent must be
// current before its child is revalidated." A failure anywhere in the
// chain is reported as errs.KindStale.
func Walk(tbl *branch.Table, path []*fanout.Dentry, start int) error {
	for i := start; i < len(path); i++ {
		if i == 0 {
			// The root is always current; nothing to revalidate against.
			continue
		}
		if err := Node(tbl, path[i-1], path[i]); err != nil {
			return err
		}
	}
	return nil
}

// FileNeedsReopen reports whether a file's fan-out has drifted from its
// dentry's current branch range after revalidation (spec.md §4.3 step 5).
func FileNeedsReopen(f *fanout.File, d *fanout.Dentry) bool {
	return f.FBStart != d.DBStart
}

// Opener opens the lower file at the given branch index for the dentry's
// current fan-out, returning the handle and the branch id it was opened
// under (the "saved branch id" used later by release/close accounting).
type Opener func(branchIndex int) (*os.File, branch.ID, error)

// ReopenFile implements spec.md §4.3 step 5's reopen half: allocate a
// fresh fan-out sized to the dentry's current range and reopen — a
// directory reopens every branch in [dbstart,dbend], a regular file
// reopens only dbstart. Callers must close the superseded fanout.File
// (via its CloseAll) before calling this, so branch open counts are
// released under the handles' saved ids first.
func ReopenFile(d *fanout.Dentry, isDir bool, open Opener) (*fanout.File, error) {
	nf := fanout.NewFile(d.DBStart, d.DBEnd, len(d.Lower), d.Generation)

	if !isDir {
		fh, id, err := open(d.DBStart)
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "reopen failed", err)
		}
		nf.Set(d.DBStart, fh, id)
		return nf, nil
	}

	for b := d.DBStart; b <= d.DBEnd; b++ {
		if b >= len(d.Lower) || !d.Lower[b].Present {
			continue
		}
		fh, id, err := open(b)
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "reopen failed", err)
		}
		nf.Set(b, fh, id)
	}
	return nf, nil
}
