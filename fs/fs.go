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
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/go-unionfs/unionfs/internal/branch"
	"github.com/go-unionfs/unionfs/internal/clock"
	"github.com/go-unionfs/unionfs/internal/copyup"
	"github.com/go-unionfs/unionfs/internal/errs"
	"github.com/go-unionfs/unionfs/internal/fanout"
	"github.com/go-unionfs/unionfs/internal/logger"
	"github.com/go-unionfs/unionfs/internal/readdircache"
	"github.com/go-unionfs/unionfs/internal/revalidate"
	"github.com/go-unionfs/unionfs/internal/sioq"
)

// BranchSpec describes one branch to mount, in priority order (index 0 is
// the leftmost, highest-priority branch).
type BranchSpec struct {
	Path string
	Perm branch.Perm
}

// ServerConfig configures a union file system server.
type ServerConfig struct {
	// A clock used by SetInodeAttributes to fill in whichever of atime and
	// mtime the request leaves unset.
	Clock clock.Clock

	// The branches composing the union, in priority order. Branch 0 must
	// be read-write (spec.md §6).
	Branches []BranchSpec

	// The user and group configured for the mount. They are stored on the
	// file system but not consulted: inode attributes always carry the
	// lower inode's uid and gid.
	Uid uint32
	Gid uint32

	// Default permission bits, stored but not consulted: attributes carry
	// the lower inode's mode and creates use the request's mode.
	FilePerms os.FileMode
	DirPerms  os.FileMode

	// The number of independent SIOQ worker queues (internal/sioq) used
	// for whiteout/opaque-marker maintenance and other privileged-adjacent
	// work.
	SIOQWorkers int

	// Capacity and retention for the per-directory readdir cursor cache
	// (internal/readdircache), resolving spec.md §9's RDCACHE_JIFFIES
	// open question.
	ReaddirCacheCapacity int
	ReaddirCacheTTL      time.Duration

	// ExitOnInvariantViolation controls what a fan-out object's
	// CheckInvariants does when it detects corruption: crash the process
	// (true) or log at ERROR and keep serving (false, the zero value).
	ExitOnInvariantViolation bool
}

// NewServer creates a fuse.Server exporting the union of cfg.Branches.
func NewServer(cfg *ServerConfig) (server fuse.Server, err error) {
	fsys, err := newFileSystem(cfg)
	if err != nil {
		return
	}
	server = fuse.NewServerWithNotifier(fsys.notifier, fuseutil.NewFileSystemServer(fsys))
	return
}

// newFileSystem builds the fileSystem itself, split out from NewServer so
// package-internal tests can drive its fuseutil.FileSystem methods directly
// without going through the fuse.Server dispatch wrapper.
func newFileSystem(cfg *ServerConfig) (fsys *fileSystem, err error) {
	if len(cfg.Branches) == 0 {
		err = errors.New("unionfs: at least one branch is required")
		return
	}

	tbl := branch.New()
	for _, bs := range cfg.Branches {
		if _, err = tbl.AddBranch(bs.Path, bs.Perm, -1); err != nil {
			err = fmt.Errorf("AddBranch(%s): %w", bs.Path, err)
			return
		}
	}
	if b := tbl.At(0); b == nil || !b.Writable() {
		err = errors.New("unionfs: branch 0 must be read-write")
		return
	}

	fanout.SetExitOnViolation(cfg.ExitOnInvariantViolation)

	workers := cfg.SIOQWorkers
	if workers < 1 {
		workers = 2
	}
	rdCap := cfg.ReaddirCacheCapacity
	if rdCap < 1 {
		rdCap = 1024
	}
	rdTTL := cfg.ReaddirCacheTTL
	if rdTTL <= 0 {
		rdTTL = 30 * time.Second
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.RealClock{}
	}

	fsys = &fileSystem{
		clock:            cl,
		branches:         tbl,
		createPolicy:     branch.LeftmostWritable{},
		ioq:              sioq.NewPool(workers),
		rdcache:          readdircache.NewCache(rdCap, rdTTL, time.Now),
		notifier:         fuse.NewNotifier(),
		uid:              cfg.Uid,
		gid:              cfg.Gid,
		fileMode:         cfg.FilePerms,
		dirMode:          cfg.DirPerms | os.ModeDir,
		nodes:            make(map[fuseops.InodeID]*node),
		nextInodeID:      fuseops.RootInodeID + 1,
		nextUnionInodeID: 2,
		handles:          make(map[fuseops.HandleID]any),
		nextHandleID:     1,
	}

	root, err := fsys.mintRoot()
	if err != nil {
		fsys = nil
		return
	}
	fsys.nodes[fuseops.RootInodeID] = root
	return
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// Let FS be fileSystem.mu and D be a fan-out dentry's Mu. Define a strict
// partial order < as follows:
//
//  1. For any dentry lock D, D < FS.
//  2. For a rename spanning two distinct parent dentries, lock the one
//     with the lower kernel-visible inode ID (fuseops.InodeID) first.
//
// We follow the rule "acquire A then B only if A < B": dentry locks are
// held across lower-filesystem calls (long-running), fs.mu only guards the
// node/handle registries (short critical sections), so fs.mu is always the
// innermost lock.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	clock        clock.Clock
	branches     *branch.Table
	createPolicy branch.CreatePolicy
	ioq          *sioq.Pool
	rdcache      *readdircache.Cache

	// sillyNamer generates the ".unionfs<hex><hex>" names used by the
	// delayed copy-up of a name that was unlinked while still open
	// (spec.md §4.6).
	sillyNamer copyup.SillyNamer

	// notifier drives the kernel page-cache/dentry-cache purge of spec.md
	// §4.3 step 4, fired when revalidate finds a lower object with a newer
	// mtime/ctime than the union inode's cached copy.
	notifier *fuse.Notifier

	uid, gid          uint32
	fileMode, dirMode os.FileMode

	// mu guards the node and handle registries below. It is a plain
	// sync.Mutex rather than an InvariantMutex since these maps carry no
	// invariant beyond normal Go map safety; per-dentry/inode invariants
	// are checked by fanout's own InvariantMutex fields instead.
	mu sync.Mutex

	// nodes maps a kernel-visible inode ID to the fan-out dentry/inode
	// pair currently interposed under it. The root is always present at
	// fuseops.RootInodeID.
	//
	// GUARDED_BY(mu)
	nodes map[fuseops.InodeID]*node

	// GUARDED_BY(mu)
	nextInodeID fuseops.InodeID

	// nextUnionInodeID is the monotonic id fan-out Inodes are assigned at
	// interpose time (spec.md §4.5), independent of the kernel-visible
	// fuseops.InodeID above.
	//
	// GUARDED_BY(mu)
	nextUnionInodeID uint64

	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]any

	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID
}

// node binds a kernel-visible inode ID to its fan-out dentry and inode,
// plus the parent it was interposed under. Fan-out objects hold no owning
// back-pointer to their parent (spec.md §9: "back-references become index
// lookups rather than owning pointers"), so the parent chain needed for
// top-down revalidation (spec.md §4.3) is reconstructed by walking
// parentID through the node registry.
type node struct {
	id       fuseops.InodeID
	parentID fuseops.InodeID
	dentry   *fanout.Dentry
	inode    *fanout.Inode
}

////////////////////////////////////////////////////////////////////////
// Registry helpers
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) lookupNode(id fuseops.InodeID) (*node, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[id]
	return n, ok
}

// markUnhashed marks every currently-interposed node named name under
// parentID as logically deleted (spec.md §4.6's d_deleted equivalent),
// called after a successful Unlink or RmDir so a concurrently open handle's
// deferred copy-up takes the silly-rename path instead of assuming the
// source name still resolves.
func (fs *fileSystem) markUnhashed(parentID fuseops.InodeID, name string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, n := range fs.nodes {
		if n.parentID == parentID && n.dentry.Name == name {
			n.dentry.Unhashed = true
		}
	}
}

func (fs *fileSystem) nextUnionID() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.nextUnionInodeID
	fs.nextUnionInodeID++
	return id
}

// dentryChain reconstructs the root-to-n path of fan-out dentries by
// walking the node registry's parentID links.
func (fs *fileSystem) dentryChain(n *node) []*fanout.Dentry {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var chain []*fanout.Dentry
	cur := n
	for {
		chain = append(chain, cur.dentry)
		if cur.id == fuseops.RootInodeID {
			break
		}
		parent, ok := fs.nodes[cur.parentID]
		if !ok {
			break
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// revalidate implements spec.md §4.3 steps 2-4 for n: determine the first
// stale ancestor in its chain (the root is always current), walk the chain
// back to freshness top-down, then check n itself for a lower object with
// a newer mtime/ctime and, if found, purge the kernel's cache for it.
// Callers must hold n.dentry.Mu.
func (fs *fileSystem) revalidate(n *node) error {
	chain := fs.dentryChain(n)
	start := revalidate.ChainStaleFrom(fs.branches, chain)
	if err := revalidate.Walk(fs.branches, chain, start); err != nil {
		return err
	}
	return fs.refreshIfChanged(n)
}

// refreshIfChanged implements spec.md §4.3 step 2's mtime/ctime half and
// step 4's page-cache purge: if any lower entry in n's fan-out now has a
// newer time than the union inode's cached copy, re-stat the inode and
// invalidate the kernel's cached pages and dentry for it.
func (fs *fileSystem) refreshIfChanged(n *node) error {
	if n.id == fuseops.RootInodeID {
		return nil
	}

	fresh, err := revalidate.Fresh(os.Lstat, n.dentry, n.inode)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}

	for i := n.dentry.DBStart; i <= n.dentry.DBEnd; i++ {
		if i < 0 || i >= len(n.dentry.Lower) || !n.dentry.Lower[i].Present {
			continue
		}
		fi, err := os.Lstat(n.dentry.Lower[i].Name)
		if err != nil {
			continue
		}
		n.inode.Lower[i] = lowerInodeFromStat(fi, n.dentry.Lower[i].BranchID)
	}

	if fs.notifier != nil {
		if err := fs.notifier.InvalidateInode(n.id, 0, 0); err != nil {
			logger.Warnf("revalidate: invalidating inode %d: %v", n.id, err)
		}
		if err := fs.notifier.InvalidateEntry(n.parentID, n.dentry.Name); err != nil {
			logger.Warnf("revalidate: invalidating entry %q of parent %d: %v", n.dentry.Name, n.parentID, err)
		}
	}
	return nil
}

// interpose registers a freshly-resolved positive dentry under a new
// kernel-visible inode ID, minting its fan-out inode by statting every
// present lower entry (spec.md §4.5).
func (fs *fileSystem) interpose(parentID fuseops.InodeID, d *fanout.Dentry) (*node, error) {
	in := fanout.NewInode(fs.nextUnionID(), d)
	for i := d.DBStart; i <= d.DBEnd; i++ {
		if i < 0 || i >= len(d.Lower) || !d.Lower[i].Present {
			continue
		}
		fi, err := os.Lstat(d.Lower[i].Name)
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "lstat during interpose", err)
		}
		in.Lower[i] = lowerInodeFromStat(fi, d.Lower[i].BranchID)
	}
	in.Type = fileTypeFromMode(d.Lower[d.DBStart].Mode)
	in.IncrementLookupCount()

	fs.mu.Lock()
	id := fs.nextInodeID
	fs.nextInodeID++
	n := &node{id: id, parentID: parentID, dentry: d, inode: in}
	fs.nodes[id] = n
	fs.mu.Unlock()
	return n, nil
}

// mintRoot builds the root dentry/inode pair spanning every configured
// branch, present wherever the branch root itself exists (which AddBranch
// already verified).
func (fs *fileSystem) mintRoot() (*node, error) {
	branches, generation := fs.branches.Snapshot()
	d := fanout.NewPositive("", 0, len(branches)-1, len(branches), generation)

	for i, b := range branches {
		fi, err := os.Lstat(b.Root())
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "stat branch root", err)
		}
		d.Lower[i] = fanout.LowerDentry{Present: true, Name: b.Root(), Mode: fi.Mode(), BranchID: b.ID()}
	}

	in := fanout.NewInode(fs.nextUnionID(), d)
	for i, ld := range d.Lower {
		fi, err := os.Lstat(ld.Name)
		if err != nil {
			return nil, errs.Wrap(errs.KindLowerFS, "stat branch root", err)
		}
		in.Lower[i] = lowerInodeFromStat(fi, ld.BranchID)
	}
	in.Type = fanout.TypeDirectory
	in.IncrementLookupCount()

	return &node{id: fuseops.RootInodeID, dentry: d, inode: in}, nil
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods: inodes
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	n, err := fs.lookUpChild(op.Parent, op.Name)
	if err != nil {
		return errs.ToErrno(err)
	}
	op.Entry.Child = n.id
	op.Entry.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	n.dentry.Mu.Lock()
	defer n.dentry.Mu.Unlock()

	if err := fs.revalidate(n); err != nil {
		return errs.ToErrno(err)
	}
	op.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	n.dentry.Mu.Lock()
	defer n.dentry.Mu.Unlock()

	if err := fs.revalidate(n); err != nil {
		return errs.ToErrno(err)
	}

	if op.Size != nil || op.Mode != nil || op.Atime != nil || op.Mtime != nil {
		if err := fs.ensureWritable(n.dentry); err != nil {
			return errs.ToErrno(err)
		}
	}

	path := n.dentry.Lower[n.dentry.DBStart].Name

	if op.Mode != nil {
		if err := os.Chmod(path, *op.Mode); err != nil {
			return err
		}
	}
	if op.Size != nil {
		if err := os.Truncate(path, int64(*op.Size)); err != nil {
			return err
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		atime, mtime := fs.clock.Now(), fs.clock.Now()
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return err
		}
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	n.inode.Lower[n.dentry.DBStart] = lowerInodeFromStat(fi, n.dentry.Lower[n.dentry.DBStart].BranchID)
	op.Attributes = attrToFuse(n.inode.Attr())
	return nil
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	n, ok := fs.nodes[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return nil
	}

	if n.inode.DecrementLookupCount(op.N) {
		fs.mu.Lock()
		delete(fs.nodes, op.Inode)
		fs.mu.Unlock()
	}
	return nil
}

// Destroy stops the SIOQ worker pool so every submitted whiteout/copy-up
// task finishes before the process exits.
func (fs *fileSystem) Destroy() {
	fs.ioq.Close()
}
