package branch

import (
	"os"
	"path/filepath"
	"testing"
)

func mustTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "unionfs-branch-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestAddBranchOrderingAndGeneration(t *testing.T) {
	tbl := New()
	a := mustTempDir(t)
	b := mustTempDir(t)

	g0 := tbl.Generation()

	if _, err := tbl.AddBranch(a, ReadWrite, -1); err != nil {
		t.Fatalf("AddBranch(a): %v", err)
	}
	g1 := tbl.Generation()
	if g1 <= g0 {
		t.Fatalf("generation must strictly increase after AddBranch, got %d -> %d", g0, g1)
	}

	if _, err := tbl.AddBranch(b, ReadOnly, 0); err != nil {
		t.Fatalf("AddBranch(b, position 0): %v", err)
	}

	if tbl.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", tbl.Count())
	}
	if tbl.At(0).Root() != filepath.Clean(b) {
		t.Fatalf("branch inserted at position 0 should be leftmost, got %s", tbl.At(0).Root())
	}
	if tbl.At(1).Root() != filepath.Clean(a) {
		t.Fatalf("expected a to be pushed to position 1, got %s", tbl.At(1).Root())
	}
}

func TestAddBranchRejectsOverlap(t *testing.T) {
	tbl := New()
	parent := mustTempDir(t)
	child := filepath.Join(parent, "child")
	if err := os.Mkdir(child, 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := tbl.AddBranch(parent, ReadWrite, -1); err != nil {
		t.Fatalf("AddBranch(parent): %v", err)
	}
	if _, err := tbl.AddBranch(child, ReadWrite, -1); err == nil {
		t.Fatalf("expected overlap rejection for a branch nested under an existing branch")
	}
}

func TestIndexOfSurvivesReconfiguration(t *testing.T) {
	tbl := New()
	a := mustTempDir(t)
	b := mustTempDir(t)
	c := mustTempDir(t)

	ba, _ := tbl.AddBranch(a, ReadWrite, -1)
	_, _ = tbl.AddBranch(b, ReadWrite, -1)
	_, _ = tbl.AddBranch(c, ReadWrite, 0) // c becomes index 0, a shifts to 1

	idx, ok := tbl.IndexOf(ba.ID())
	if !ok || idx != 1 {
		t.Fatalf("IndexOf(a.ID()) = (%d, %v), want (1, true) after inserting c at 0", idx, ok)
	}
}

func TestOpenAccounting(t *testing.T) {
	tbl := New()
	a := mustTempDir(t)
	ba, _ := tbl.AddBranch(a, ReadWrite, -1)

	tbl.IncrementOpens(ba.ID())
	tbl.IncrementOpens(ba.ID())
	tbl.DecrementOpens(ba.ID())

	if got := tbl.At(0).Opens(); got != 1 {
		t.Fatalf("Opens() = %d, want 1", got)
	}
}

func TestLeftmostWritablePolicy(t *testing.T) {
	tbl := New()
	roDir := mustTempDir(t)
	rwDir := mustTempDir(t)

	// index 0: ro, index 1: rw
	if _, err := tbl.AddBranch(roDir, ReadOnly, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.AddBranch(rwDir, ReadWrite, -1); err != nil {
		t.Fatal(err)
	}

	idx, err := (LeftmostWritable{}).Choose(tbl, 1, 1)
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if idx != 1 {
		t.Fatalf("Choose() = %d, want 1 (the only writable branch)", idx)
	}

	if _, err := (LeftmostWritable{}).Choose(tbl, 0, 0); err == nil {
		t.Fatalf("expected ReadOnlyFS error when no writable branch is in range")
	}
}
