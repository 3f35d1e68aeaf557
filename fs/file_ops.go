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
	"io"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/errs"
	"github.com/go-unionfs/unionfs/internal/fanout"
	"github.com/go-unionfs/unionfs/internal/logger"
	"github.com/go-unionfs/unionfs/internal/revalidate"
)

// fileHandle is the per-open regular-file fan-out file (spec.md §4.8):
// exactly one lower handle, at the dentry's current primary branch, that
// gets swapped out for a freshly reopened one if revalidation detects the
// primary branch has drifted (the "page bridge" re-expressed as
// byte-range mirroring, since FUSE already gives us byte-addressed reads
// and writes rather than GCS's object chunks).
type fileHandle struct {
	nodeID fuseops.InodeID
	file   *fanout.File

	// needsCopyUp is set when OpenFile deferred a copy-up (write requested
	// without O_TRUNC against a read-only branch); the first WriteFile on
	// this handle performs it before writing (spec.md §4.3 step 5, §4.8).
	needsCopyUp bool

	// openFlags are the original open(2) flags, replayed (minus the
	// creation/truncation bits) against the copied-up file once the
	// deferred copy-up runs.
	openFlags int
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	n.dentry.Mu.Lock()
	defer n.dentry.Mu.Unlock()

	if err := fs.revalidate(n); err != nil {
		return errs.ToErrno(err)
	}

	writable := false
	if b := fs.branches.At(n.dentry.DBStart); b != nil {
		writable = b.Writable()
	}
	truncate := int(op.OpenFlags)&os.O_TRUNC != 0

	deferred := false
	openFlags := int(op.OpenFlags) &^ os.O_CREATE
	if !op.OpenFlags.IsReadOnly() && !writable {
		if truncate {
			// spec.md §4.8: write + O_TRUNC against a read-only branch
			// copies up first; the truncate would clear the content anyway.
			if err := fs.ensureWritable(n.dentry); err != nil {
				return errs.ToErrno(err)
			}
		} else {
			// spec.md §4.8: write without truncate defers — open read-only
			// against the current (read-only) branch and copy up at the
			// first write instead.
			deferred = true
			openFlags = os.O_RDONLY
		}
	}

	branchID, ok := fs.branches.IDOf(n.dentry.DBStart)
	if !ok {
		return fuse.EIO
	}

	f, err := os.OpenFile(n.dentry.Lower[n.dentry.DBStart].Name, openFlags, 0)
	if err != nil {
		return err
	}

	fh := fanout.NewFile(n.dentry.DBStart, n.dentry.DBStart, len(n.dentry.Lower), fs.branches.Generation())
	fh.Set(n.dentry.DBStart, f, branchID)
	fs.branches.IncrementOpens(branchID)

	handle := &fileHandle{
		nodeID:      op.Inode,
		file:        fh,
		needsCopyUp: deferred,
		openFlags:   int(op.OpenFlags) &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC),
	}
	op.Handle = fs.registerHandle(handle)
	op.KeepPageCache = true
	return nil
}

// reopenIfStale implements spec.md §4.3 step 5 for an open file: if the
// dentry's branch range has drifted from the file's since the last
// revalidation, close the superseded handle and reopen against the
// dentry's current primary branch.
func (fs *fileSystem) reopenIfStale(n *node, fh *fileHandle) error {
	if err := fs.revalidate(n); err != nil {
		return err
	}
	if !revalidate.FileNeedsReopen(fh.file, n.dentry) {
		return nil
	}

	if err := fh.file.CloseAll(fs.branches); err != nil {
		logger.Warnf("reopen: closing superseded handle failed: %v", err)
	}

	opener := func(branchIdx int) (*os.File, branch.ID, error) {
		branchID, ok := fs.branches.IDOf(branchIdx)
		if !ok {
			return nil, 0, errs.Stale("branch vanished during reopen")
		}
		path := n.dentry.Lower[branchIdx].Name
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, 0, err
		}
		return f, branchID, nil
	}

	nf, err := revalidate.ReopenFile(n.dentry, false, opener)
	if err != nil {
		return err
	}
	fh.file = nf
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	h, ok := fs.lookupHandle(op.Handle)
	if !ok {
		return fuse.EIO
	}
	fh, ok := h.(*fileHandle)
	if !ok {
		return fuse.EIO
	}

	n, ok := fs.lookupNode(fh.nodeID)
	if ok {
		n.dentry.Mu.Lock()
		err := fs.reopenIfStale(n, fh)
		n.dentry.Mu.Unlock()
		if err != nil {
			return errs.ToErrno(err)
		}
	}

	slot := fh.file.Lower[fh.file.FBStart]
	if !slot.Present {
		return fuse.EIO
	}

	bytesRead, err := slot.File.ReadAt(op.Dst, op.Offset)
	op.BytesRead = bytesRead
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	h, ok := fs.lookupHandle(op.Handle)
	if !ok {
		return fuse.EIO
	}
	fh, ok := h.(*fileHandle)
	if !ok {
		return fuse.EIO
	}

	n, ok := fs.lookupNode(fh.nodeID)
	if ok {
		n.dentry.Mu.Lock()
		err := fs.reopenIfStale(n, fh)
		if err == nil {
			err = fs.copyUpOnFirstWrite(n, fh)
		}
		n.dentry.Mu.Unlock()
		if err != nil {
			return errs.ToErrno(err)
		}
	}

	slot := fh.file.Lower[fh.file.FBStart]
	if !slot.Present {
		return fuse.EIO
	}

	if _, err := slot.File.WriteAt(op.Data, op.Offset); err != nil {
		return err
	}
	return nil
}

func (fs *fileSystem) flushOrSync(inodeID fuseops.InodeID, handleID fuseops.HandleID) error {
	h, ok := fs.lookupHandle(handleID)
	if !ok {
		return nil
	}
	fh, ok := h.(*fileHandle)
	if !ok {
		return nil
	}

	slot := fh.file.Lower[fh.file.FBStart]
	if !slot.Present {
		return nil
	}
	if err := slot.File.Sync(); err != nil {
		return err
	}

	n, ok := fs.lookupNode(inodeID)
	if !ok {
		return nil
	}

	n.dentry.Mu.Lock()
	defer n.dentry.Mu.Unlock()

	fi, err := slot.File.Stat()
	if err != nil {
		return err
	}
	n.inode.Lower[fh.file.FBStart] = lowerInodeFromStat(fi, slot.BranchID)
	return nil
}

func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fs.flushOrSync(op.Inode, op.Handle)
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.flushOrSync(op.Inode, op.Handle)
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	h, ok := fs.takeHandle(op.Handle)
	if !ok {
		return nil
	}
	if fh, ok := h.(*fileHandle); ok {
		if err := fh.file.CloseAll(fs.branches); err != nil {
			logger.Warnf("release: close failed: %v", err)
		}
	}
	return nil
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	n.dentry.Mu.Lock()
	defer n.dentry.Mu.Unlock()

	if err := fs.revalidate(n); err != nil {
		return errs.ToErrno(err)
	}

	target, err := os.Readlink(n.dentry.Lower[n.dentry.DBStart].Name)
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}
