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
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/copyup"
	"github.com/go-unionfs/unionfs/internal/errs"
	"github.com/go-unionfs/unionfs/internal/fanout"
	"github.com/go-unionfs/unionfs/internal/logger"
	"github.com/go-unionfs/unionfs/internal/lookup"
	"github.com/go-unionfs/unionfs/internal/readdircache"
	"github.com/go-unionfs/unionfs/internal/whiteout"
)

////////////////////////////////////////////////////////////////////////
// Stat/attribute conversion
////////////////////////////////////////////////////////////////////////

func statOwner(fi os.FileInfo) (uid, gid uint32) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Uid, st.Gid
	}
	return 0, 0
}

func statRdev(fi os.FileInfo) uint32 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint32(st.Rdev)
	}
	return 0
}

func fileTypeFromMode(mode os.FileMode) fanout.FileType {
	switch {
	case mode.IsDir():
		return fanout.TypeDirectory
	case mode&os.ModeSymlink != 0:
		return fanout.TypeSymlink
	case mode&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		return fanout.TypeSpecial
	default:
		return fanout.TypeRegular
	}
}

// lowerInodeFromStat builds a fanout.LowerInode slot from a freshly
// stat'd lower path (spec.md §4.5's interpose step).
func lowerInodeFromStat(fi os.FileInfo, id branch.ID) fanout.LowerInode {
	uid, gid := statOwner(fi)
	li := fanout.LowerInode{
		Present:  true,
		BranchID: id,
		Mode:     fi.Mode(),
		Size:     fi.Size(),
		Mtime:    fi.ModTime(),
		Ctime:    fi.ModTime(),
		Uid:      uid,
		Gid:      gid,
		Rdev:     statRdev(fi),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		li.Nlink = uint32(st.Nlink)
	}
	return li
}

// attrToFuse converts a fan-out inode's computed attributes (spec.md
// §4.5: size/mode/mtime from the first lower inode, nlink recomputed for
// directories) to the fuseops shape the host expects. Ownership is
// passed through from the lower inode rather than pinned to one
// filesystem-wide uid/gid, since each POSIX branch directory carries its
// own.
func attrToFuse(li fanout.LowerInode) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   uint64(li.Size),
		Nlink:  li.Nlink,
		Mode:   li.Mode,
		Atime:  li.Mtime,
		Mtime:  li.Mtime,
		Ctime:  li.Ctime,
		Uid:    li.Uid,
		Gid:    li.Gid,
	}
}

////////////////////////////////////////////////////////////////////////
// Lookup helper
////////////////////////////////////////////////////////////////////////

// lookUpChild revalidates parentID's chain, resolves name beneath it, and
// interposes a new node for a positive result (spec.md §4.4/§4.5).
func (fs *fileSystem) lookUpChild(parentID fuseops.InodeID, name string) (*node, error) {
	parent, ok := fs.lookupNode(parentID)
	if !ok {
		return nil, errs.NotFound("parent inode not found")
	}

	parent.dentry.Mu.Lock()
	if err := fs.revalidate(parent); err != nil {
		parent.dentry.Mu.Unlock()
		return nil, err
	}

	child, err := lookup.Lookup(fs.branches, parent.dentry, name, lookup.LOOKUP)
	parent.dentry.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !child.Positive() {
		return nil, errs.NotFound("no such entry: " + name)
	}

	return fs.interpose(parentID, child)
}

////////////////////////////////////////////////////////////////////////
// Copy-up / branch selection bridge (spec.md §4.6/§4.7)
////////////////////////////////////////////////////////////////////////

// osLowerFS backs copyup.LowerFS with plain os/unix calls, the production
// counterpart to copyup's test fake.
type osLowerFS struct{}

func (osLowerFS) Stat(path string) (os.FileInfo, error)   { return os.Lstat(path) }
func (osLowerFS) Mkdir(path string, mode os.FileMode) error { return os.Mkdir(path, mode) }
func (osLowerFS) Chown(path string, uid, gid int) error    { return os.Chown(path, uid, gid) }
func (osLowerFS) Chtimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(path, atime, mtime)
}
func (osLowerFS) OpenRead(path string) (io.ReadCloser, error) { return os.Open(path) }
func (osLowerFS) CreateWrite(path string, mode os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
}
func (osLowerFS) Readlink(path string) (string, error) { return os.Readlink(path) }
func (osLowerFS) Symlink(target, path string) error    { return os.Symlink(target, path) }
func (osLowerFS) Mknod(path string, mode os.FileMode, dev uint32) error {
	return unix.Mknod(path, uint32(mode), int(dev))
}
func (osLowerFS) Remove(path string) error { return os.Remove(path) }

// ancestorDirs builds the copyup.AncestorDir list (outermost first) for
// the directory components of rel that must exist on destRoot before
// destRoot/rel itself can be created, mirroring mode/ownership from the
// matching directory under srcRoot.
func (fs *fileSystem) ancestorDirs(srcRoot, destRoot, rel string) ([]copyup.AncestorDir, error) {
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil, nil
	}

	parts := strings.Split(dir, string(filepath.Separator))
	var out []copyup.AncestorDir
	cur := ""
	for _, p := range parts {
		cur = filepath.Join(cur, p)
		fi, err := os.Lstat(filepath.Join(srcRoot, cur))
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "stat ancestor during copy-up", err)
		}
		uid, gid := statOwner(fi)
		out = append(out, copyup.AncestorDir{
			DestPath: filepath.Join(destRoot, cur),
			Mode:     fi.Mode().Perm(),
			Uid:      uid,
			Gid:      gid,
		})
	}
	return out, nil
}

// copyUpTo implements spec.md §4.6 for a single dentry/destination pair:
// if the dentry is already present at dest, this is a no-op; otherwise it
// replicates missing ancestor directories, then copies the entry itself
// by type, and records the new lower slot in d (without touching
// DBStart/DBEnd — callers update those once they decide the new primary
// branch).
func (fs *fileSystem) copyUpTo(d *fanout.Dentry, dest int) error {
	if dest >= 0 && dest < len(d.Lower) && d.Lower[dest].Present {
		return nil
	}

	branches, _ := fs.branches.Snapshot()
	if dest < 0 || dest >= len(branches) {
		return errs.New(errs.KindValidation, "copy-up destination branch out of range")
	}

	srcPath := d.Lower[d.DBStart].Name
	srcRoot := branches[d.DBStart].Root()
	rel, err := filepath.Rel(srcRoot, srcPath)
	if err != nil {
		return errs.Wrap(errs.KindLowerFS, "computing relative path for copy-up", err)
	}

	destRoot := branches[dest].Root()
	destPath := filepath.Join(destRoot, rel)

	ancestors, err := fs.ancestorDirs(srcRoot, destRoot, rel)
	if err != nil {
		return err
	}
	if err := copyup.ReplicateParents(osLowerFS{}, ancestors); err != nil {
		return err
	}

	fi, err := os.Lstat(srcPath)
	if err != nil {
		return errs.Wrap(errs.KindLowerFS, "stat source during copy-up", err)
	}
	uid, gid := statOwner(fi)

	switch {
	case fi.Mode().IsDir():
		if err := os.Mkdir(destPath, fi.Mode().Perm()); err != nil && !os.IsExist(err) {
			return errs.Wrap(errs.KindLowerFS, "mkdir during copy-up", err)
		}
		_ = os.Chown(destPath, int(uid), int(gid))
	case fi.Mode()&os.ModeSymlink != 0:
		if err := copyup.CopySymlink(osLowerFS{}, srcPath, destPath); err != nil {
			return err
		}
	case fi.Mode()&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		if err := copyup.CopySpecial(osLowerFS{}, destPath, fi.Mode(), statRdev(fi)); err != nil {
			return err
		}
	default:
		if err := copyup.CopyRegularFile(osLowerFS{}, srcPath, destPath, fi.Mode().Perm(), uid, gid, fi.ModTime()); err != nil {
			return err
		}
	}

	d.Lower[dest] = fanout.LowerDentry{Present: true, Name: destPath, Mode: fi.Mode(), BranchID: branches[dest].ID()}
	return nil
}

// ensureWritable implements spec.md §4.6's trigger condition: if d's
// current primary branch is not writable, copy it up to the fallback
// destination (WritableDest) and advance DBStart/DBEnd to match.
func (fs *fileSystem) ensureWritable(d *fanout.Dentry) error {
	if b := fs.branches.At(d.DBStart); b != nil && b.Writable() {
		return nil
	}

	dest, err := copyup.WritableDest(fs.branches, d.DBStart)
	if err != nil {
		return err
	}
	if err := fs.copyUpTo(d, dest); err != nil {
		return err
	}
	d.DBStart = dest
	if d.DBEnd < dest {
		d.DBEnd = dest
	}
	return nil
}

// createBranchPath implements spec.md §4.7's branch-selection rule for a
// new name under parent: the leftmost writable branch at or before
// parent's DBStart, replicating parent's own directory there first if it
// is not yet present.
func (fs *fileSystem) createBranchPath(parent *fanout.Dentry, name string) (path string, idx int, err error) {
	idx, err = fs.createPolicy.Choose(fs.branches, parent.DBStart, parent.DBEnd)
	if err != nil {
		return "", 0, err
	}
	if err = fs.copyUpTo(parent, idx); err != nil {
		return "", 0, err
	}
	b := fs.branches.At(idx)
	if b == nil {
		return "", 0, errs.ReadOnlyFS("chosen create branch vanished")
	}
	return filepath.Join(parent.Lower[idx].Name, name), idx, nil
}

// clearWhiteout removes a stale whiteout for name on branchIdx, if any,
// through the SIOQ (spec.md §4.7: creating an entry must unmask any prior
// deletion recorded at the same branch). Best-effort: a missing whiteout
// is not an error, and a failure to remove one is only logged, since the
// newly created entry is otherwise already in place.
func (fs *fileSystem) clearWhiteout(parent *fanout.Dentry, branchIdx int, name string) {
	if branchIdx < 0 || branchIdx >= len(parent.Lower) || !parent.Lower[branchIdx].Present {
		return
	}
	whPath := filepath.Join(parent.Lower[branchIdx].Name, whiteout.Name(name))
	err := fs.ioq.Submit(func() error {
		if err := os.Remove(whPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Warnf("clearing whiteout %s: %v", whPath, err)
	}
}

// removeEntry implements spec.md §4.7's unlink/rmdir masking rule: remove
// child directly wherever it is present on a writable branch, then, if it
// remains visible on any read-only branch, write a whiteout on the parent's
// leftmost writable branch to mask it there.
func (fs *fileSystem) removeEntry(parent, child *fanout.Dentry, name string) error {
	stillVisible := false
	for i := child.DBStart; i <= child.DBEnd; i++ {
		if i < 0 || i >= len(child.Lower) || !child.Lower[i].Present {
			continue
		}
		b := fs.branches.At(i)
		if b != nil && b.Writable() {
			if err := os.RemoveAll(child.Lower[i].Name); err != nil && !os.IsNotExist(err) {
				return errs.Wrap(errs.KindLowerFS, "remove failed", err)
			}
		} else {
			stillVisible = true
		}
	}

	if !stillVisible {
		return nil
	}

	idx, err := fs.createPolicy.Choose(fs.branches, parent.DBStart, parent.DBEnd)
	if err != nil {
		return err
	}
	if err := fs.copyUpTo(parent, idx); err != nil {
		return err
	}

	whPath := filepath.Join(parent.Lower[idx].Name, whiteout.Name(name))
	return fs.ioq.Submit(func() error { return os.WriteFile(whPath, nil, 0644) })
}

// copyUpOnFirstWrite implements spec.md §4.3 step 5 / §4.8's deferred
// copy-up: the first WriteFile against a handle that OpenFile opened
// read-only (write requested without O_TRUNC against a read-only branch)
// performs the copy-up here, then swaps fh's lower handle for one opened
// against the new location with the original write flags. Dispatches to
// the silly-rename variant when the dentry was unlinked while still open
// (spec.md §4.6 special case).
func (fs *fileSystem) copyUpOnFirstWrite(n *node, fh *fileHandle) error {
	if !fh.needsCopyUp {
		return nil
	}

	var f *os.File
	var destIdx int
	var err error
	if n.dentry.Unhashed {
		f, destIdx, err = fs.copyUpSillyRename(n, fh)
	} else {
		if err := fs.ensureWritable(n.dentry); err != nil {
			return err
		}
		destIdx = n.dentry.DBStart
		f, err = os.OpenFile(n.dentry.Lower[destIdx].Name, fh.openFlags, 0)
		if err != nil {
			err = errs.Wrap(errs.KindLowerFS, "reopen after deferred copy-up failed", err)
		}
	}
	if err != nil {
		return err
	}

	branchID, ok := fs.branches.IDOf(destIdx)
	if !ok {
		f.Close()
		return errs.Stale("branch vanished during deferred copy-up")
	}

	if err := fh.file.CloseAll(fs.branches); err != nil {
		logger.Warnf("deferred copy-up: closing superseded handle failed: %v", err)
	}

	nf := fanout.NewFile(destIdx, destIdx, len(n.dentry.Lower), fs.branches.Generation())
	nf.Set(destIdx, f, branchID)
	fs.branches.IncrementOpens(branchID)

	fh.file = nf
	fh.needsCopyUp = false
	return nil
}

// copyUpSillyRename implements spec.md §4.6's special case: the name has
// already been unlinked from its parent directory (d.Unhashed), so there
// is no surviving source path to copy from — only the already-open lower
// fd keeps the data alive. It streams that fd's content to a freshly
// generated ".unionfs<hex><hex>" name alongside the old location on a
// writable branch, then immediately unlinks the new name too, leaving the
// copy reachable only through the open handle (nlink 0), exactly
// mirroring the already-deleted state of the original.
func (fs *fileSystem) copyUpSillyRename(n *node, fh *fileHandle) (final *os.File, destIdx int, err error) {
	srcSlot := fh.file.Lower[fh.file.FBStart]
	if !srcSlot.Present {
		return nil, 0, errs.Stale("no open lower handle to copy up from")
	}

	destIdx, err = copyup.WritableDest(fs.branches, n.dentry.DBStart)
	if err != nil {
		return nil, 0, err
	}

	branches, _ := fs.branches.Snapshot()
	srcRoot := branches[n.dentry.DBStart].Root()
	srcPath := n.dentry.Lower[n.dentry.DBStart].Name
	rel, err := filepath.Rel(srcRoot, srcPath)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindLowerFS, "computing relative path for silly-rename copy-up", err)
	}

	destRoot := branches[destIdx].Root()
	ancestors, err := fs.ancestorDirs(srcRoot, destRoot, rel)
	if err != nil {
		return nil, 0, err
	}
	if err := copyup.ReplicateParents(osLowerFS{}, ancestors); err != nil {
		return nil, 0, err
	}

	fi, statErr := srcSlot.File.Stat()
	if statErr != nil {
		return nil, 0, errs.Wrap(errs.KindLowerFS, "stat open handle during silly-rename copy-up", statErr)
	}
	uid, gid := statOwner(fi)
	destDir := filepath.Join(destRoot, filepath.Dir(rel))

	var dst *os.File
	var path string
	for attempt := 0; attempt < copyup.MaxSillyRenameAttempts; attempt++ {
		path = filepath.Join(destDir, fs.sillyNamer.Next(uint64(n.id)))
		dst, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, 0, errs.Wrap(errs.KindLowerFS, "create silly-rename destination failed", err)
		}
	}
	if dst == nil {
		return nil, 0, errs.Wrap(errs.KindLowerFS, "silly-rename name collision", err)
	}

	if _, err := srcSlot.File.Seek(0, io.SeekStart); err != nil {
		dst.Close()
		return nil, 0, errs.Wrap(errs.KindLowerFS, "seek open handle during silly-rename copy-up", err)
	}
	buf := make([]byte, copyup.PageSize)
	if _, err := io.CopyBuffer(dst, srcSlot.File, buf); err != nil {
		dst.Close()
		return nil, 0, errs.Wrap(errs.KindLowerFS, "stream copy failed during silly-rename copy-up", err)
	}
	if err := dst.Close(); err != nil {
		return nil, 0, errs.Wrap(errs.KindLowerFS, "close silly-rename destination failed", err)
	}
	_ = os.Chown(path, int(uid), int(gid))

	// Open the handle we'll actually keep using before dropping the
	// directory entry: once removed, path no longer resolves, so the new
	// fd must already be in hand (same trick a silly-rename always
	// depends on — open, then unlink, never the reverse).
	final, err = os.OpenFile(path, fh.openFlags, 0)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindLowerFS, "reopen silly-rename destination failed", err)
	}
	if err := os.Remove(path); err != nil {
		final.Close()
		return nil, 0, errs.Wrap(errs.KindLowerFS, "unlinking silly-rename destination failed", err)
	}

	n.dentry.Lower[destIdx] = fanout.LowerDentry{Present: true, Name: path, Mode: fi.Mode(), BranchID: branches[destIdx].ID()}
	n.dentry.DBStart, n.dentry.DBEnd = destIdx, destIdx
	return final, destIdx, nil
}

// dirLister adapts a dentry's lower directories to readdircache.Lister.
func (fs *fileSystem) dirLister(d *fanout.Dentry) readdircache.Lister {
	return func(b int) ([]readdircache.RawEntry, error) {
		if b < 0 || b >= len(d.Lower) || !d.Lower[b].Present {
			return nil, nil
		}
		des, err := os.ReadDir(d.Lower[b].Name)
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "readdir failed", err)
		}
		out := make([]readdircache.RawEntry, len(des))
		for i, de := range des {
			out[i] = readdircache.RawEntry{Name: de.Name()}
		}
		return out, nil
	}
}
