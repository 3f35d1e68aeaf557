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

import "github.com/jacobsa/fuse/fuseops"

// registerHandle assigns the next handle ID to h (either a *dirHandle or
// a *fileHandle) and stores it in the registry.
func (fs *fileSystem) registerHandle(h any) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = h
	return id
}

func (fs *fileSystem) lookupHandle(id fuseops.HandleID) (any, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles[id]
	return h, ok
}

// takeHandle removes and returns id's handle, for release operations that
// should forget it regardless of whether cleanup below succeeds.
func (fs *fileSystem) takeHandle(id fuseops.HandleID) (any, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, ok := fs.handles[id]
	delete(fs.handles, id)
	return h, ok
}
