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

	"golang.org/x/sys/unix"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/go-unionfs/unionfs/internal/errs"
	"github.com/go-unionfs/unionfs/internal/fanout"
	"github.com/go-unionfs/unionfs/internal/logger"
	"github.com/go-unionfs/unionfs/internal/lookup"
	"github.com/go-unionfs/unionfs/internal/readdircache"
	"github.com/go-unionfs/unionfs/internal/whiteout"
)

// This file implements spec.md §4.7's namespace operations, each
// following the same shape: revalidate the parent, choose and prepare a
// writable branch (internal/branch's create policy plus copy-up of the
// parent directory itself if needed), perform the lower-filesystem call,
// clear any stale whiteout the new name masks, then re-resolve and
// interpose the result.

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}
	if whiteout.IsReserved(op.Name) {
		return syscall.EINVAL
	}

	path, idx, err := fs.createBranchPath(parent.dentry, op.Name)
	if err != nil {
		return errs.ToErrno(err)
	}
	if err := os.Mkdir(path, op.Mode.Perm()); err != nil {
		if os.IsExist(err) {
			return fuse.EEXIST
		}
		return err
	}
	fs.clearWhiteout(parent.dentry, idx, op.Name)

	// spec.md §4.7 "mkdir opacity": a newly created directory must mask any
	// identically-named directory on a lower branch, or readdir would
	// incorrectly union in the lower branch's now-unrelated children.
	// Failure here is fatal to the operation, unlike clearWhiteout's
	// best-effort removal, since without the marker the new directory is
	// not actually opaque.
	opaquePath := filepath.Join(path, whiteout.OpaqueMarker)
	if err := fs.ioq.Submit(func() error { return os.WriteFile(opaquePath, nil, 0644) }); err != nil {
		return errs.Wrap(errs.KindLowerFS, "marking new directory opaque failed", err)
	}

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	n, err := fs.interpose(op.Parent, child)
	if err != nil {
		return errs.ToErrno(err)
	}

	op.Entry.Child = n.id
	op.Entry.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}
	if whiteout.IsReserved(op.Name) {
		return syscall.EINVAL
	}

	path, idx, err := fs.createBranchPath(parent.dentry, op.Name)
	if err != nil {
		return errs.ToErrno(err)
	}

	f, err := os.OpenFile(path, int(op.Flags)|os.O_CREATE|os.O_EXCL, op.Mode.Perm())
	if err != nil {
		if os.IsExist(err) {
			return fuse.EEXIST
		}
		return err
	}
	fs.clearWhiteout(parent.dentry, idx, op.Name)

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		f.Close()
		return errs.ToErrno(err)
	}
	n, err := fs.interpose(op.Parent, child)
	if err != nil {
		f.Close()
		return errs.ToErrno(err)
	}

	branchID, _ := fs.branches.IDOf(idx)
	fh := fanout.NewFile(idx, idx, len(child.Lower), fs.branches.Generation())
	fh.Set(idx, f, branchID)
	fs.branches.IncrementOpens(branchID)

	op.Entry.Child = n.id
	op.Entry.Attributes = attrToFuse(n.inode.Attr())
	op.Handle = fs.registerHandle(&fileHandle{nodeID: n.id, file: fh})
	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}
	if whiteout.IsReserved(op.Name) {
		return syscall.EINVAL
	}

	path, idx, err := fs.createBranchPath(parent.dentry, op.Name)
	if err != nil {
		return errs.ToErrno(err)
	}
	if err := os.Symlink(op.Target, path); err != nil {
		if os.IsExist(err) {
			return fuse.EEXIST
		}
		return err
	}
	fs.clearWhiteout(parent.dentry, idx, op.Name)

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	n, err := fs.interpose(op.Parent, child)
	if err != nil {
		return errs.ToErrno(err)
	}

	op.Entry.Child = n.id
	op.Entry.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

// MkNode implements mknod for device/special files. fuseops.MkNodeOp's
// field layout is not present anywhere in the retrieved jacobsa/fuse
// snapshot (neither the stale bundled ops.go nor any sample uses it); the
// shape below is inferred from the sibling Mk*/Create* ops' consistent
// Parent/Name/Mode/Entry pattern, with Rdev added for the device number
// CreateFile/MkDir have no use for. Flagged in DESIGN.md as an inference,
// not a verified signature.
func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}
	if whiteout.IsReserved(op.Name) {
		return syscall.EINVAL
	}

	path, idx, err := fs.createBranchPath(parent.dentry, op.Name)
	if err != nil {
		return errs.ToErrno(err)
	}
	if err := unix.Mknod(path, uint32(op.Mode), int(op.Rdev)); err != nil {
		if err == unix.EEXIST {
			return fuse.EEXIST
		}
		return err
	}
	fs.clearWhiteout(parent.dentry, idx, op.Name)

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	n, err := fs.interpose(op.Parent, child)
	if err != nil {
		return errs.ToErrno(err)
	}

	op.Entry.Child = n.id
	op.Entry.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

// CreateLink implements a hard link. Like MkNodeOp, CreateLinkOp's field
// layout is not present in the retrieved pack; Parent/Name/Target/Entry
// is inferred from the universal FUSE link(2) binding shape (target is
// the existing inode being linked). A union hard link can only be made
// when both names resolve to the same branch, since os.Link cannot cross
// directory trees; spec.md does not describe cross-branch hardlinking,
// so this returns EXDEV-equivalent validation failure otherwise.
func (fs *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	target, ok := fs.lookupNode(op.Target)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}
	if whiteout.IsReserved(op.Name) {
		return syscall.EINVAL
	}

	if err := fs.ensureWritable(target.dentry); err != nil {
		return errs.ToErrno(err)
	}

	idx, err := fs.createPolicy.Choose(fs.branches, parent.dentry.DBStart, parent.dentry.DBEnd)
	if err != nil {
		return errs.ToErrno(err)
	}
	if idx != target.dentry.DBStart {
		return syscall.EXDEV
	}
	if err := fs.copyUpTo(parent.dentry, idx); err != nil {
		return errs.ToErrno(err)
	}

	path := filepath.Join(parent.dentry.Lower[idx].Name, op.Name)
	if err := os.Link(target.dentry.Lower[target.dentry.DBStart].Name, path); err != nil {
		if os.IsExist(err) {
			return fuse.EEXIST
		}
		return err
	}
	fs.clearWhiteout(parent.dentry, idx, op.Name)

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	n, err := fs.interpose(op.Parent, child)
	if err != nil {
		return errs.ToErrno(err)
	}

	op.Entry.Child = n.id
	op.Entry.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

// Rename implements spec.md §4.7's rename: ensure the source is writable
// (copying it up if necessary), ensure the destination parent directory
// exists on a writable branch, rename within that branch, then mask the
// old name wherever it remains visible on a lower read-only branch.
//
// RenameOp's OldParent/OldName/NewParent/NewName fields are not present
// in the retrieved pack either; this is the near-universal FUSE rename(2)
// binding shape and is used here as the best-supported inference.
func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.lookupNode(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.lookupNode(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}

	first, second := oldParent, newParent
	if op.NewParent < op.OldParent {
		first, second = newParent, oldParent
	}
	first.dentry.Mu.Lock()
	defer first.dentry.Mu.Unlock()
	if second != first {
		second.dentry.Mu.Lock()
		defer second.dentry.Mu.Unlock()
	}

	if err := fs.revalidate(oldParent); err != nil {
		return errs.ToErrno(err)
	}
	if oldParent != newParent {
		if err := fs.revalidate(newParent); err != nil {
			return errs.ToErrno(err)
		}
	}
	if whiteout.IsReserved(op.NewName) {
		return syscall.EINVAL
	}

	child, err := lookup.Lookup(fs.branches, oldParent.dentry, op.OldName, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	if !child.Positive() {
		return fuse.ENOENT
	}

	if err := fs.ensureWritable(child); err != nil {
		return errs.ToErrno(err)
	}

	idx, err := fs.createPolicy.Choose(fs.branches, newParent.dentry.DBStart, newParent.dentry.DBEnd)
	if err != nil {
		return errs.ToErrno(err)
	}
	if err := fs.copyUpTo(newParent.dentry, idx); err != nil {
		return errs.ToErrno(err)
	}

	oldPath := child.Lower[child.DBStart].Name
	newPath := filepath.Join(newParent.dentry.Lower[idx].Name, op.NewName)

	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	fs.clearWhiteout(newParent.dentry, idx, op.NewName)

	// Mask the old name on any lower read-only branch where it remains
	// visible (the rename above only moved the writable copy).
	stillVisible := false
	for i := child.DBStart; i <= child.DBEnd; i++ {
		if i == idx || i < 0 || i >= len(child.Lower) || !child.Lower[i].Present {
			continue
		}
		if b := fs.branches.At(i); b != nil && !b.Writable() {
			stillVisible = true
		}
	}
	if stillVisible {
		whIdx, err := fs.createPolicy.Choose(fs.branches, oldParent.dentry.DBStart, oldParent.dentry.DBEnd)
		if err == nil {
			if err := fs.copyUpTo(oldParent.dentry, whIdx); err == nil {
				whPath := filepath.Join(oldParent.dentry.Lower[whIdx].Name, whiteout.Name(op.OldName))
				if err := fs.ioq.Submit(func() error { return os.WriteFile(whPath, nil, 0644) }); err != nil {
					logger.Warnf("rename: masking old name failed: %v", err)
				}
			}
		}
	}
	return nil
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	if !child.Positive() {
		return fuse.ENOENT
	}
	if !child.Lower[child.DBStart].Mode.IsDir() {
		return syscall.ENOTDIR
	}

	entries, err := readdircache.Merge(child.DBStart, child.DBEnd, child.DBOpaque, fs.dirLister(child))
	if err != nil {
		return errs.ToErrno(err)
	}
	if len(entries) != 0 {
		return syscall.ENOTEMPTY
	}

	if err := fs.removeEntry(parent.dentry, child, op.Name); err != nil {
		return errs.ToErrno(err)
	}
	fs.markUnhashed(op.Parent, op.Name)
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	parent.dentry.Mu.Lock()
	defer parent.dentry.Mu.Unlock()

	if err := fs.revalidate(parent); err != nil {
		return errs.ToErrno(err)
	}

	child, err := lookup.Lookup(fs.branches, parent.dentry, op.Name, lookup.LOOKUP)
	if err != nil {
		return errs.ToErrno(err)
	}
	if !child.Positive() {
		return fuse.ENOENT
	}
	if child.Lower[child.DBStart].Mode.IsDir() {
		return syscall.EISDIR
	}

	if err := fs.removeEntry(parent.dentry, child, op.Name); err != nil {
		return errs.ToErrno(err)
	}
	fs.markUnhashed(op.Parent, op.Name)
	return nil
}
