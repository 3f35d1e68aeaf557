// Package lookup implements the Lookup Engine (spec.md §4.4): scanning
// branches left to right, honoring whiteouts and opaque markers, and
// building a fan-out dentry.
package lookup

import (
	"os"
	"path/filepath"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/errs"
	"github.com/go-unionfs/unionfs/internal/fanout"
	"github.com/go-unionfs/unionfs/internal/whiteout"
)

// Mode selects the lookup variant (spec.md §4.4).
type Mode int

const (
	// LOOKUP is a fresh name resolution.
	LOOKUP Mode = iota
	// REVAL is positive revalidation of an existing dentry.
	REVAL
	// REVALNeg is negative revalidation.
	REVALNeg
)

// Stat abstracts the lower-filesystem stat call so tests can fake it
// without touching a real directory tree. The production implementation
// (Lstat) never follows the final symlink component, matching a union
// filesystem's need to see symlinks as themselves rather than their
// targets.
type Stat func(path string) (os.FileInfo, error)

func osLstat(path string) (os.FileInfo, error) { return os.Lstat(path) }

// scanResult carries the outcome of scanning one branch range for name.
type scanResult struct {
	dbstart, dbend int // -1 if nothing positive was found in this scan
	dbopaque       int // -1 if the scan did not stop on a whiteout/opaque marker
	lower          []fanout.LowerDentry
	negativeBranch int // -1 if no negative lower dentry was recorded
}

// Lookup resolves name within parent across the branches in
// [parent.DBStart, parent.DBEnd], producing a new fan-out dentry. parent
// must already be revalidated (the caller's responsibility per spec.md
// §4.3: "Lookup is the only exception because the dentry is new").
func Lookup(tbl *branch.Table, parent *fanout.Dentry, name string, mode Mode) (*fanout.Dentry, error) {
	return lookupWith(osLstat, tbl, parent, name, mode)
}

func lookupWith(stat Stat, tbl *branch.Table, parent *fanout.Dentry, name string, mode Mode) (*fanout.Dentry, error) {
	if whiteout.IsReserved(name) {
		return nil, errs.New(errs.KindValidation, "name "+name+" has no representable meaning in the union")
	}

	branches, generation := tbl.Snapshot()
	n := len(parent.Lower)

	res := scan(stat, branches, parent, name, parent.DBStart, parent.DBEnd, n)

	child := fanout.NewPositive(name, -1, -1, n, generation)
	child.DBOpaque = res.dbopaque
	child.NegativeBranch = res.negativeBranch

	if res.dbstart == -1 {
		child.DBStart, child.DBEnd = -1, -1
		if child.NegativeBranch == -1 {
			child.NegativeBranch = parent.DBStart
		}
		return child, nil
	}

	child.DBStart, child.DBEnd = res.dbstart, res.dbend
	child.Lower = res.lower
	return child, nil
}

// FillPartial implements spec.md's PARTIAL mode: given an existing
// positive dentry whose [DBStart, DBEnd] predates a branch-table growth,
// scan the newly visible branches beyond the old DBEnd and merge any
// positive hits into the existing dentry, extending DBEnd (never
// replacing what was already resolved). Used by revalidation when the
// branch count grows without invalidating already-resolved branches.
func FillPartial(tbl *branch.Table, parent *fanout.Dentry, existing *fanout.Dentry) error {
	return fillPartialWith(osLstat, tbl, parent, existing)
}

func fillPartialWith(stat Stat, tbl *branch.Table, parent *fanout.Dentry, existing *fanout.Dentry) error {
	if !existing.Positive() {
		return errs.New(errs.KindValidation, "FillPartial requires an existing positive dentry")
	}
	if existing.DBOpaque != -1 && existing.DBOpaque <= existing.DBEnd {
		// An opaque/whiteout stop already bounds this dentry; nothing
		// beyond it is visible regardless of new branches.
		return nil
	}

	branches, _ := tbl.Snapshot()
	startAt := existing.DBEnd + 1
	if startAt > parent.DBEnd {
		return nil
	}

	n := len(parent.Lower)
	if n > len(existing.Lower) {
		grown := make([]fanout.LowerDentry, n)
		copy(grown, existing.Lower)
		existing.Lower = grown
	}

	res := scan(stat, branches, parent, existing.Name, startAt, parent.DBEnd, len(existing.Lower))

	if res.dbopaque != -1 {
		existing.DBOpaque = res.dbopaque
	}
	if res.dbstart == -1 {
		return nil
	}
	for i, ld := range res.lower {
		if ld.Present {
			existing.Lower[i] = ld
		}
	}
	if res.dbend > existing.DBEnd {
		existing.DBEnd = res.dbend
	}
	return nil
}

func scan(stat Stat, branches []*branch.Branch, parent *fanout.Dentry, name string, startAt, endAt, width int) scanResult {
	res := scanResult{dbstart: -1, dbend: -1, dbopaque: -1, negativeBranch: -1, lower: make([]fanout.LowerDentry, width)}

	var sawNonDirectory bool

	for b := startAt; b <= endAt && b >= 0; b++ {
		if b >= len(parent.Lower) || !parent.Lower[b].Present {
			continue
		}
		if !parent.Lower[b].Mode.IsDir() {
			continue
		}

		parentDir := parent.Lower[b].Name

		whName := filepath.Join(parentDir, whiteout.Name(name))
		if fi, err := stat(whName); err == nil && fi.Mode().IsRegular() {
			res.dbopaque = b
			break
		}

		childPath := filepath.Join(parentDir, name)
		fi, err := stat(childPath)
		if err != nil {
			if os.IsNotExist(err) {
				if res.negativeBranch == -1 {
					res.negativeBranch = b
				}
				continue
			}
			continue
		}

		if sawNonDirectory {
			break
		}

		if res.dbstart == -1 {
			res.dbstart = b
		}
		res.dbend = b
		res.lower[b] = fanout.LowerDentry{Present: true, Name: childPath, Mode: fi.Mode(), BranchID: branchID(branches, b)}

		if fi.IsDir() {
			opaqueName := filepath.Join(childPath, whiteout.OpaqueMarker)
			if _, err := stat(opaqueName); err == nil {
				res.dbopaque = b
				break
			}
			continue
		}

		sawNonDirectory = true
	}

	return res
}

func branchID(branches []*branch.Branch, i int) branch.ID {
	if i < 0 || i >= len(branches) {
		return 0
	}
	return branches[i].ID()
}
