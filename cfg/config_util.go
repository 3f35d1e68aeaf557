// Copyright 2024 Google LLC
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

package cfg

import "runtime"

// DefaultSIOQWorkers returns the number of serialized-I/O-queue worker
// goroutines to start when the user did not set --sioq-workers.
func DefaultSIOQWorkers() int {
	return max(2, runtime.NumCPU()/2)
}

// FirstWritableBranch returns the index of the first branch in priority
// order whose permission is RW, or -1 if every branch is read-only.
func FirstWritableBranch(c *Config) int {
	for i, b := range c.Branches {
		if b.Perm == BranchReadWrite {
			return i
		}
	}
	return -1
}
