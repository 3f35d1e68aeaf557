// Package branch implements the Branch Table (spec.md §4.1): the ordered,
// reconfigurable list of underlying directory trees ("branches") that the
// union filesystem composes into a single namespace.
package branch

import "os"

// Perm is a branch's permission mask.
type Perm int

const (
	// ReadOnly branches serve reads but never direct writes; writes route
	// through copy-up to a writable branch instead.
	ReadOnly Perm = iota
	// ReadWrite branches serve both reads and direct writes.
	ReadWrite
)

func (p Perm) String() string {
	if p == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Writable reports whether p permits direct writes.
func (p Perm) Writable() bool { return p == ReadWrite }

// ID is an immutable, never-reused identifier for a branch, stable across
// re-indexing when other branches are added or removed.
type ID uint64

// Branch is one of the underlying directory trees composed by the union.
type Branch struct {
	id   ID
	root string // absolute, cleaned path to the branch's root directory
	perm Perm

	// opens is the number of live lower file handles attributable to this
	// branch, per spec.md's "Branch-open accounting" invariant. Accessed
	// through Table methods only, which hold the table lock.
	opens int64
}

// ID returns the branch's immutable identifier.
func (b *Branch) ID() ID { return b.id }

// Root returns the branch's root directory path.
func (b *Branch) Root() string { return b.root }

// Perm returns the branch's current permission mask.
func (b *Branch) Perm() Perm { return b.perm }

// Writable reports whether direct writes are permitted on this branch.
func (b *Branch) Writable() bool { return b.perm.Writable() }

// Opens returns the current per-branch open-file count.
func (b *Branch) Opens() int64 { return b.opens }

// statDir verifies that path exists and is a directory, used by
// Table.AddBranch's validation step.
func statDir(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &NotADirectoryError{Path: path}
	}
	return fi, nil
}

// NotADirectoryError reports that a candidate branch root is not a
// directory.
type NotADirectoryError struct {
	Path string
}

func (e *NotADirectoryError) Error() string {
	return e.Path + " is not a directory"
}
