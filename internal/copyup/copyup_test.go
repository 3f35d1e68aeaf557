package copyup

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/errs"
)

// fakeLowerFS is an in-memory LowerFS used to exercise copy-up mechanics
// without touching a real directory tree.
type fakeLowerFS struct {
	dirs     map[string]bool
	files    map[string][]byte
	links    map[string]string
	modes    map[string]os.FileMode
	removed  []string
}

func newFakeLowerFS() *fakeLowerFS {
	return &fakeLowerFS{
		dirs:  map[string]bool{},
		files: map[string][]byte{},
		links: map[string]string{},
		modes: map[string]os.FileMode{},
	}
}

type fakeFileInfo struct{ mode os.FileMode }

func (f fakeFileInfo) Name() string       { return "" }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeFileInfo) Sys() any           { return nil }

func (fs *fakeLowerFS) Stat(path string) (os.FileInfo, error) {
	if fs.dirs[path] {
		return fakeFileInfo{mode: os.ModeDir}, nil
	}
	if _, ok := fs.files[path]; ok {
		return fakeFileInfo{mode: fs.modes[path]}, nil
	}
	return nil, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
}

func (fs *fakeLowerFS) Mkdir(path string, mode os.FileMode) error {
	fs.dirs[path] = true
	return nil
}

func (fs *fakeLowerFS) Chown(path string, uid, gid int) error { return nil }

func (fs *fakeLowerFS) Chtimes(path string, atime, mtime time.Time) error { return nil }

type fakeReadCloser struct{ *bytes.Reader }

func (fakeReadCloser) Close() error { return nil }

func (fs *fakeLowerFS) OpenRead(path string) (io.ReadCloser, error) {
	data, ok := fs.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return fakeReadCloser{bytes.NewReader(data)}, nil
}

type fakeWriteCloser struct {
	fs   *fakeLowerFS
	path string
	buf  bytes.Buffer
}

func (w *fakeWriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriteCloser) Close() error {
	w.fs.files[w.path] = w.buf.Bytes()
	return nil
}

func (fs *fakeLowerFS) CreateWrite(path string, mode os.FileMode) (io.WriteCloser, error) {
	fs.modes[path] = mode
	return &fakeWriteCloser{fs: fs, path: path}, nil
}

func (fs *fakeLowerFS) Readlink(path string) (string, error) {
	target, ok := fs.links[path]
	if !ok {
		return "", &os.PathError{Op: "readlink", Path: path, Err: os.ErrNotExist}
	}
	return target, nil
}

func (fs *fakeLowerFS) Symlink(target, path string) error {
	fs.links[path] = target
	return nil
}

func (fs *fakeLowerFS) Mknod(path string, mode os.FileMode, dev uint32) error {
	fs.files[path] = nil
	fs.modes[path] = mode
	return nil
}

func (fs *fakeLowerFS) Remove(path string) error {
	fs.removed = append(fs.removed, path)
	delete(fs.files, path)
	return nil
}

func TestReplicateParentsCreatesOnlyMissingDirs(t *testing.T) {
	lfs := newFakeLowerFS()
	lfs.dirs["/dst/a"] = true

	ancestors := []AncestorDir{
		{DestPath: "/dst/a", Mode: 0755, Uid: 1, Gid: 1},
		{DestPath: "/dst/a/b", Mode: 0750, Uid: 2, Gid: 2},
	}
	if err := ReplicateParents(lfs, ancestors); err != nil {
		t.Fatalf("ReplicateParents: %v", err)
	}
	if !lfs.dirs["/dst/a/b"] {
		t.Fatalf("expected /dst/a/b to be created")
	}
}

func TestCopyRegularFileStreamsContentAndMetadata(t *testing.T) {
	lfs := newFakeLowerFS()
	lfs.files["/src/f"] = []byte("hello world")

	mtime := time.Unix(12345, 0)
	if err := CopyRegularFile(lfs, "/src/f", "/dst/f", 0644, 10, 20, mtime); err != nil {
		t.Fatalf("CopyRegularFile: %v", err)
	}
	if got := string(lfs.files["/dst/f"]); got != "hello world" {
		t.Fatalf("copied content = %q, want %q", got, "hello world")
	}
	if lfs.modes["/dst/f"] != 0644 {
		t.Fatalf("copied mode = %v, want 0644", lfs.modes["/dst/f"])
	}
}

func TestCopySymlinkPreservesTarget(t *testing.T) {
	lfs := newFakeLowerFS()
	lfs.links["/src/link"] = "target-path"

	if err := CopySymlink(lfs, "/src/link", "/dst/link"); err != nil {
		t.Fatalf("CopySymlink: %v", err)
	}
	if lfs.links["/dst/link"] != "target-path" {
		t.Fatalf("copied symlink target = %q, want %q", lfs.links["/dst/link"], "target-path")
	}
}

func TestWritableDestFallsBackToLowerBranch(t *testing.T) {
	tbl := branch.New()
	roDir, rwDir := t.TempDir(), t.TempDir()
	if _, err := tbl.AddBranch(rwDir, branch.ReadWrite, -1); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.AddBranch(roDir, branch.ReadOnly, -1); err != nil {
		t.Fatal(err)
	}

	got, err := WritableDest(tbl, 1)
	if err != nil {
		t.Fatalf("WritableDest: %v", err)
	}
	if got != 0 {
		t.Fatalf("WritableDest = %d, want 0 (fell back past the read-only branch)", got)
	}
}

func TestWritableDestReportsReadOnlyFSWhenNoneWritable(t *testing.T) {
	tbl := branch.New()
	if _, err := tbl.AddBranch(t.TempDir(), branch.ReadOnly, -1); err != nil {
		t.Fatal(err)
	}

	_, err := WritableDest(tbl, 0)
	if errs.KindOf(err) != errs.KindReadOnlyFS {
		t.Fatalf("expected KindReadOnlyFS, got %v", err)
	}
}

func TestSillyNamerProducesDistinctNames(t *testing.T) {
	var n SillyNamer
	a := n.Next(42)
	b := n.Next(42)
	if a == b {
		t.Fatalf("expected distinct silly-rename names, got %q twice", a)
	}
}
