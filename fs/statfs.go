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

	"golang.org/x/sys/unix"

	"github.com/jacobsa/fuse/fuseops"
)

// StatFS aggregates free space and inode counts across every writable
// branch (a read-only branch contributes nothing a write could ever
// consume), falling back to branch 0 alone if none report successfully.
// StatFSOp's field names are not present anywhere in the retrieved
// jacobsa/fuse snapshot; the names below follow the bazil.org/fuse
// StatfsResponse convention the fuseops API descends from.
func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	branches, _ := fs.branches.Snapshot()

	var agg unix.Statfs_t
	found := false
	for _, b := range branches {
		if !b.Writable() {
			continue
		}
		var st unix.Statfs_t
		if err := unix.Statfs(b.Root(), &st); err != nil {
			continue
		}
		if !found {
			agg = st
			found = true
			continue
		}
		agg.Blocks += st.Blocks
		agg.Bfree += st.Bfree
		agg.Bavail += st.Bavail
		agg.Files += st.Files
		agg.Ffree += st.Ffree
	}
	if !found && len(branches) > 0 {
		_ = unix.Statfs(branches[0].Root(), &agg)
	}

	op.BlockSize = uint32(agg.Bsize)
	op.Blocks = agg.Blocks
	op.BlocksFree = agg.Bfree
	op.BlocksAvailable = agg.Bavail
	op.Inodes = agg.Files
	op.InodesFree = agg.Ffree
	return nil
}
