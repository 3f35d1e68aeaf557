// Package copyup implements the Copy-up Engine (spec.md §4.6): promoting
// a lower-branch file to a writable higher-priority branch, replicating
// missing ancestor directories along the way, and silly-renaming an
// already-unlinked open file so its copy survives under a generated name.
package copyup

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/errs"
)

// PageSize is the buffer size streamed through during a copy-up,
// mirroring spec.md §4.6 step 2's "stream PAGE-sized buffers."
const PageSize = 4096

// MaxSillyRenameAttempts bounds the retry loop for a silly-rename name
// collision (spec.md §4.6 special case: "retried on name collision up to
// a bounded number of times").
const MaxSillyRenameAttempts = 32

// AncestorDir describes one ancestor directory missing on the
// destination branch during parent replication.
type AncestorDir struct {
	DestPath       string // the ancestor's path on the destination branch
	Mode           os.FileMode
	Uid, Gid       uint32
}

// LowerFS abstracts the lower-filesystem operations copy-up needs,
// letting the engine be exercised with a fake in tests instead of a real
// directory tree; the fs package's production implementation backs this
// with plain os/unix calls.
type LowerFS interface {
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error
	Chtimes(path string, atime, mtime time.Time) error
	OpenRead(path string) (io.ReadCloser, error)
	CreateWrite(path string, mode os.FileMode) (io.WriteCloser, error)
	Readlink(path string) (string, error)
	Symlink(target, path string) error
	Mknod(path string, mode os.FileMode, dev uint32) error
	Remove(path string) error
}

// ReplicateParents implements spec.md §4.6 step 1: for every ancestor
// directory missing on the destination branch, create it there mirroring
// the source's mode and ownership. ancestors must be ordered outermost
// first so each directory's parent already exists by the time it is
// created.
func ReplicateParents(lfs LowerFS, ancestors []AncestorDir) error {
	for _, a := range ancestors {
		if _, err := lfs.Stat(a.DestPath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return errs.Wrap(errs.KindLowerFS, "stat failed during parent replication", err)
		}

		if err := lfs.Mkdir(a.DestPath, a.Mode); err != nil {
			return errs.Wrap(errs.KindLowerFS, "mkdir failed during parent replication", err)
		}
		if err := lfs.Chown(a.DestPath, int(a.Uid), int(a.Gid)); err != nil {
			return errs.Wrap(errs.KindLowerFS, "chown failed during parent replication", err)
		}
	}
	return nil
}

// CopyRegularFile implements spec.md §4.6 step 2 for a regular file:
// open the source read-only and the destination write-only, stream
// PAGE-sized buffers until EOF, then restore mode/uid/gid/times on the
// destination.
func CopyRegularFile(lfs LowerFS, srcPath, dstPath string, mode os.FileMode, uid, gid uint32, mtime time.Time) error {
	src, err := lfs.OpenRead(srcPath)
	if err != nil {
		return errs.Wrap(errs.KindLowerFS, "open source failed during copy-up", err)
	}
	defer src.Close()

	dst, err := lfs.CreateWrite(dstPath, mode)
	if err != nil {
		return errs.Wrap(errs.KindLowerFS, "create destination failed during copy-up", err)
	}

	buf := make([]byte, PageSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		dst.Close()
		return errs.Wrap(errs.KindLowerFS, "stream copy failed during copy-up", err)
	}
	if err := dst.Close(); err != nil {
		return errs.Wrap(errs.KindLowerFS, "close destination failed during copy-up", err)
	}

	if err := lfs.Chown(dstPath, int(uid), int(gid)); err != nil {
		return errs.Wrap(errs.KindLowerFS, "chown failed during copy-up", err)
	}
	if err := lfs.Chtimes(dstPath, mtime, mtime); err != nil {
		return errs.Wrap(errs.KindLowerFS, "chtimes failed during copy-up", err)
	}
	return nil
}

// CopySymlink implements spec.md §4.6 step 2 for a symlink: read the
// source's link text and recreate it at the destination.
func CopySymlink(lfs LowerFS, srcPath, dstPath string) error {
	target, err := lfs.Readlink(srcPath)
	if err != nil {
		return errs.Wrap(errs.KindLowerFS, "readlink failed during copy-up", err)
	}
	if err := lfs.Symlink(target, dstPath); err != nil {
		return errs.Wrap(errs.KindLowerFS, "symlink failed during copy-up", err)
	}
	return nil
}

// CopySpecial implements spec.md §4.6 step 2 for a special file: create
// it at the destination with the same mode (encoding the file type) and
// major/minor device numbers.
func CopySpecial(lfs LowerFS, dstPath string, mode os.FileMode, dev uint32) error {
	if err := lfs.Mknod(dstPath, mode, dev); err != nil {
		return errs.Wrap(errs.KindLowerFS, "mknod failed during copy-up", err)
	}
	return nil
}

// WritableDest implements spec.md §4.6's destination fallback: "If d is
// not writable, try d-1, then d-2, down to branch 0; report
// READ_ONLY_FS if none succeed."
func WritableDest(tbl *branch.Table, d int) (int, error) {
	branches, _ := tbl.Snapshot()
	for i := d; i >= 0; i-- {
		if i >= len(branches) {
			continue
		}
		if branches[i].Writable() {
			return i, nil
		}
	}
	return 0, errs.ReadOnlyFS("no writable branch available for copy-up")
}

// SillyNamer generates silly-rename names for copying up an already
// unlinked open file (spec.md §4.6 special case): ".unionfs" + the
// inode's hex id + a per-process monotonic counter's hex value.
type SillyNamer struct {
	counter uint64
}

// Next returns the next candidate silly-rename name for inodeID. Callers
// retry with successive names (up to MaxSillyRenameAttempts) on a name
// collision at the destination.
func (n *SillyNamer) Next(inodeID uint64) string {
	c := atomic.AddUint64(&n.counter, 1)
	return fmt.Sprintf(".unionfs%x%x", inodeID, c)
}
