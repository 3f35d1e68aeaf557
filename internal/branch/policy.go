package branch

import "github.com/go-unionfs/unionfs/internal/errs"

// CreatePolicy chooses which writable branch a new name should be created
// on, given the parent's positive fan-out range [start, end]. spec.md
// §4.7 mandates "the leftmost writable branch b <= dbstart(parent)" for
// every namespace operation; LeftmostWritable is the only policy that
// satisfies that invariant and is therefore the sole shipped, default
// implementation. It is pulled out behind an interface so the choice
// function is swappable without touching every call site, not because
// any other policy is implemented.
type CreatePolicy interface {
	// Choose returns the index of the branch to create on, given the
	// table and the parent's [start, end] fan-out range.
	Choose(t *Table, start, end int) (int, error)
}

// LeftmostWritable implements spec.md §4.7's mandated policy: the
// leftmost (lowest-indexed) branch at or before the parent's dbstart that
// is currently writable.
type LeftmostWritable struct{}

func (LeftmostWritable) Choose(t *Table, start, end int) (int, error) {
	for i := 0; i <= start && i < t.Count(); i++ {
		if b := t.At(i); b != nil && b.Writable() {
			return i, nil
		}
	}
	return -1, errs.ReadOnlyFS("no writable branch at or above the parent's branch range")
}
