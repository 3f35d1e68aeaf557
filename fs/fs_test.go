// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/go-unionfs/unionfs/internal/branch"
)

func mustTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "unionfs-fs-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// newTestFS mounts a union of dirs (index 0 read-write, the rest read-only)
// and returns the unexported fileSystem directly for in-package testing.
func newTestFS(t *testing.T, dirs ...string) *fileSystem {
	t.Helper()
	specs := make([]BranchSpec, len(dirs))
	for i, d := range dirs {
		perm := branch.ReadOnly
		if i == 0 {
			perm = branch.ReadWrite
		}
		specs[i] = BranchSpec{Path: d, Perm: perm}
	}

	fsys, err := newFileSystem(&ServerConfig{
		Branches:  specs,
		FilePerms: 0644,
		DirPerms:  0755,
	})
	if err != nil {
		t.Fatalf("newFileSystem: %v", err)
	}
	t.Cleanup(fsys.Destroy)
	return fsys
}

func lookUp(t *testing.T, fsys *fileSystem, parent fuseops.InodeID, name string) *fuseops.LookUpInodeOp {
	t.Helper()
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	if err := fsys.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("LookUpInode(%d, %q): %v", parent, name, err)
	}
	return op
}

func TestLookUpInodeAcrossBranches(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	if err := os.WriteFile(filepath.Join(ro, "lower.txt"), []byte("from ro"), 0644); err != nil {
		t.Fatal(err)
	}

	fsys := newTestFS(t, rw, ro)

	op := lookUp(t, fsys, fuseops.RootInodeID, "lower.txt")
	if op.Entry.Attributes.Size != uint64(len("from ro")) {
		t.Fatalf("size = %d, want %d", op.Entry.Attributes.Size, len("from ro"))
	}

	missing := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "nope"}
	if err := fsys.LookUpInode(context.Background(), missing); err != syscall.ENOENT {
		t.Fatalf("LookUpInode(missing) = %v, want ENOENT", err)
	}
}

func TestMkDirAndCreateFileLandOnWritableBranch(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	fsys := newTestFS(t, rw, ro)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: 0755}
	if err := fsys.MkDir(context.Background(), mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rw, "sub")); err != nil {
		t.Fatalf("expected sub to be created on the rw branch: %v", err)
	}

	createOp := &fuseops.CreateFileOp{
		Parent: mkdirOp.Entry.Child,
		Name:   "child.txt",
		Mode:   0644,
		Flags:  os.O_RDWR,
	}
	if err := fsys.CreateFile(context.Background(), createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if createOp.Handle == 0 {
		t.Fatalf("CreateFile did not assign a handle")
	}
	if _, err := os.Stat(filepath.Join(rw, "sub", "child.txt")); err != nil {
		t.Fatalf("expected child.txt on the rw branch: %v", err)
	}
}

func TestMkDirMasksLowerBranchDirectoryContents(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	if err := os.Mkdir(filepath.Join(ro, "dir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ro, "dir", "lower-child.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fsys := newTestFS(t, rw, ro)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dir", Mode: 0755}
	if err := fsys.MkDir(context.Background(), mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rw, "dir", ".wh.__dir_opaque")); err != nil {
		t.Fatalf("expected the new directory to carry the opaque marker: %v", err)
	}

	lowerChild := &fuseops.LookUpInodeOp{Parent: mkdirOp.Entry.Child, Name: "lower-child.txt"}
	if err := fsys.LookUpInode(context.Background(), lowerChild); err != syscall.ENOENT {
		t.Fatalf("LookUpInode(lower-child.txt) = %v, want ENOENT (masked by opaque mkdir)", err)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	rw := mustTempDir(t)
	fsys := newTestFS(t, rw)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0644, Flags: os.O_RDWR}
	if err := fsys.CreateFile(context.Background(), createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	payload := []byte("union filesystem")
	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Data: payload, Offset: 0}
	if err := fsys.WriteFile(context.Background(), writeOp); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dst := make([]byte, len(payload))
	readOp := &fuseops.ReadFileOp{Handle: createOp.Handle, Dst: dst, Offset: 0}
	if err := fsys.ReadFile(context.Background(), readOp); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if readOp.BytesRead != len(payload) || string(dst) != string(payload) {
		t.Fatalf("ReadFile round-trip mismatch: got %q (%d bytes)", dst[:readOp.BytesRead], readOp.BytesRead)
	}
}

func TestCopyUpOnWriteToReadOnlyBranchFile(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	if err := os.WriteFile(filepath.Join(ro, "shared.txt"), []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	fsys := newTestFS(t, rw, ro)

	lookUpOp := lookUp(t, fsys, fuseops.RootInodeID, "shared.txt")

	openOp := &fuseops.OpenFileOp{Inode: lookUpOp.Entry.Child, OpenFlags: os.O_RDWR}
	if err := fsys.OpenFile(context.Background(), openOp); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	writeOp := &fuseops.WriteFileOp{Handle: openOp.Handle, Data: []byte("X"), Offset: 0}
	if err := fsys.WriteFile(context.Background(), writeOp); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rw, "shared.txt")); err != nil {
		t.Fatalf("expected copy-up to create shared.txt on the rw branch: %v", err)
	}
	roBytes, err := os.ReadFile(filepath.Join(ro, "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(roBytes) != "original" {
		t.Fatalf("read-only branch copy must be untouched, got %q", roBytes)
	}
}

func TestRmDirRejectsNonEmpty(t *testing.T) {
	rw := mustTempDir(t)
	fsys := newTestFS(t, rw)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: 0755}
	if err := fsys.MkDir(context.Background(), mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	createOp := &fuseops.CreateFileOp{Parent: mkdirOp.Entry.Child, Name: "f", Mode: 0644, Flags: os.O_RDWR}
	if err := fsys.CreateFile(context.Background(), createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	rmOp := &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}
	if err := fsys.RmDir(context.Background(), rmOp); err != syscall.ENOTEMPTY {
		t.Fatalf("RmDir(non-empty) = %v, want ENOTEMPTY", err)
	}
}

func TestUnlinkMasksLowerBranchEntryWithWhiteout(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	if err := os.WriteFile(filepath.Join(ro, "gone.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fsys := newTestFS(t, rw, ro)

	unlinkOp := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "gone.txt"}
	if err := fsys.Unlink(context.Background(), unlinkOp); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	missing := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "gone.txt"}
	if err := fsys.LookUpInode(context.Background(), missing); err != syscall.ENOENT {
		t.Fatalf("LookUpInode(whited-out) = %v, want ENOENT", err)
	}
	if _, err := os.Stat(filepath.Join(ro, "gone.txt")); err != nil {
		t.Fatalf("unlink must not touch the read-only branch file itself: %v", err)
	}
}

func TestSetInodeAttributesCopiesUpReadOnlyBranchEntry(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	if err := os.WriteFile(filepath.Join(ro, "truncme.txt"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	fsys := newTestFS(t, rw, ro)
	lookUpOp := lookUp(t, fsys, fuseops.RootInodeID, "truncme.txt")

	var size uint64 = 4
	setOp := &fuseops.SetInodeAttributesOp{Inode: lookUpOp.Entry.Child, Size: &size}
	if err := fsys.SetInodeAttributes(context.Background(), setOp); err != nil {
		t.Fatalf("SetInodeAttributes (should copy up then truncate): %v", err)
	}
	if setOp.Attributes.Size != size {
		t.Fatalf("Attributes.Size = %d, want %d", setOp.Attributes.Size, size)
	}
	if _, err := os.Stat(filepath.Join(rw, "truncme.txt")); err != nil {
		t.Fatalf("expected copy-up before truncate: %v", err)
	}
}

func TestForgetInodeDropsRegistryEntry(t *testing.T) {
	rw := mustTempDir(t)
	if err := os.WriteFile(filepath.Join(rw, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fsys := newTestFS(t, rw)
	lookUpOp := lookUp(t, fsys, fuseops.RootInodeID, "f")

	if _, ok := fsys.lookupNode(lookUpOp.Entry.Child); !ok {
		t.Fatalf("node should be registered after LookUpInode")
	}

	forgetOp := &fuseops.ForgetInodeOp{Inode: lookUpOp.Entry.Child, N: 1}
	if err := fsys.ForgetInode(context.Background(), forgetOp); err != nil {
		t.Fatalf("ForgetInode: %v", err)
	}
	if _, ok := fsys.lookupNode(lookUpOp.Entry.Child); ok {
		t.Fatalf("node should be dropped once its lookup count reaches zero")
	}
}

func TestStatFSAggregatesWritableBranches(t *testing.T) {
	rw := mustTempDir(t)
	ro := mustTempDir(t)
	fsys := newTestFS(t, rw, ro)

	op := &fuseops.StatFSOp{}
	if err := fsys.StatFS(context.Background(), op); err != nil {
		t.Fatalf("StatFS: %v", err)
	}
	if op.BlockSize == 0 {
		t.Fatalf("expected a non-zero block size")
	}
}

func TestRequireAtLeastOneBranch(t *testing.T) {
	if _, err := newFileSystem(&ServerConfig{}); err == nil {
		t.Fatalf("newFileSystem with no branches should fail")
	}
}

func TestRequireBranchZeroWritable(t *testing.T) {
	ro := mustTempDir(t)
	_, err := newFileSystem(&ServerConfig{
		Branches: []BranchSpec{{Path: ro, Perm: branch.ReadOnly}},
	})
	if err == nil {
		t.Fatalf("newFileSystem with a read-only branch 0 should fail")
	}
}
