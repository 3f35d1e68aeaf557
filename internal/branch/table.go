package branch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-unionfs/unionfs/internal/errs"
)

// MaxBranches bounds the number of branches a single Table may hold. This
// is a source constant without documented justification upstream
// (spec.md §9 "Open question"). It is a fixed ceiling: AddBranch rejects
// any branch beyond it, and no option changes it.
const MaxBranches = 128

// Table holds the ordered branch array, guarded by a single-writer/
// many-readers discipline (spec.md §5): namespace and I/O ops take the
// lock in read mode, add/remove/set-perms/bump-generation take it in
// write mode.
type Table struct {
	mu sync.RWMutex

	branches []*Branch // ordered by priority, index 0 = highest
	byID     map[ID]int

	generation uint64 // G_sb: bumped on every mutation
	nextID     ID
}

// New creates an empty branch table. The first AddBranch call establishes
// index 0; spec.md §6 requires it to be rw, which callers validate before
// calling AddBranch (the table itself does not special-case index 0,
// since removal/reordering can change which branch is leftmost).
func New() *Table {
	return &Table{byID: make(map[ID]int)}
}

// Generation returns the current superblock generation G_sb.
func (t *Table) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Count returns the number of live branches.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.branches)
}

// Snapshot returns a copy of the current branch slice and the generation it
// was read under, for callers (fan-out revalidation) that need a consistent
// view across several accessor calls.
func (t *Table) Snapshot() ([]*Branch, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Branch, len(t.branches))
	copy(out, t.branches)
	return out, t.generation
}

// At returns the branch at index i, or nil if i is out of range.
func (t *Table) At(i int) *Branch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.branches) {
		return nil
	}
	return t.branches[i]
}

// IDOf returns the branch id currently at index i.
func (t *Table) IDOf(i int) (ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.branches) {
		return 0, false
	}
	return t.branches[i].id, true
}

// IndexOf returns the current index of the branch with the given id. Used
// by open-file release (spec.md §4.8) to map a saved branch id back to a
// current index across runtime branch reconfiguration.
func (t *Table) IndexOf(id ID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	return i, ok
}

// bumpGenerationLocked increments G_sb; the caller holds t.mu for writing.
// It is unexported: Table's mutating methods call it, including those
// that change branch state without structural change (permission flips),
// so every live fan-out is invalidated, per spec.md's "Any mutation
// increments G_sb."
func (t *Table) bumpGenerationLocked() {
	t.generation++
}

// AddBranch inserts a new branch at position (or appends if position < 0
// or position >= current count). It verifies the path exists, is a
// directory, and does not overlap any existing branch.
func (t *Table) AddBranch(path string, perm Perm, position int) (*Branch, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "resolving branch path", err)
	}
	abs = filepath.Clean(abs)

	if _, err := statDir(abs); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "branch root must be an existing directory", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.branches) >= MaxBranches {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("branch table is full (max %d)", MaxBranches))
	}

	for _, b := range t.branches {
		if overlaps(abs, b.root) {
			return nil, errs.New(errs.KindValidation, fmt.Sprintf("branch %s overlaps existing branch %s", abs, b.root))
		}
	}

	t.nextID++
	nb := &Branch{id: t.nextID, root: abs, perm: perm}

	if position < 0 || position >= len(t.branches) {
		t.branches = append(t.branches, nb)
	} else {
		t.branches = append(t.branches, nil)
		copy(t.branches[position+1:], t.branches[position:])
		t.branches[position] = nb
	}

	t.reindexLocked()
	t.bumpGenerationLocked()
	return nb, nil
}

// RemoveBranch removes the branch at index. Callers are responsible for
// ensuring no live references (open files, fan-outs pinning the branch)
// remain; the Table itself does not track lifecycle beyond open counts.
func (t *Table) RemoveBranch(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.branches) {
		return errs.New(errs.KindValidation, "branch index out of range")
	}

	t.branches = append(t.branches[:index], t.branches[index+1:]...)
	t.reindexLocked()
	t.bumpGenerationLocked()
	return nil
}

// SetPerms updates the permission mask of the branch at index.
func (t *Table) SetPerms(index int, perm Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.branches) {
		return errs.New(errs.KindValidation, "branch index out of range")
	}

	t.branches[index].perm = perm
	t.bumpGenerationLocked()
	return nil
}

// IncrementOpens bumps the open-file count of the branch with the given id.
func (t *Table) IncrementOpens(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byID[id]; ok {
		t.branches[i].opens++
	}
}

// DecrementOpens drops the open-file count of the branch with the given
// id, which may no longer be in the table (branch removed while a file on
// it was open); in that case this is a no-op, matching spec.md's "release
// that branch's open count" being keyed by saved id, not current index.
func (t *Table) DecrementOpens(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byID[id]; ok {
		t.branches[i].opens--
	}
}

func (t *Table) reindexLocked() {
	t.byID = make(map[ID]int, len(t.branches))
	for i, b := range t.branches {
		t.byID[b.id] = i
	}
}

// overlaps reports whether a and b lie on the same path prefix in either
// direction, the "no two branches' root paths lie on the same lower path
// prefix" invariant (spec.md §3).
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return isAncestor(a, b) || isAncestor(b, a)
}

func isAncestor(ancestor, descendant string) bool {
	rel, err := filepath.Rel(ancestor, descendant)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "")
}
