// Copyright 2024 Google Inc. All Rights Reserved.
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

// Rationalize updates the config fields based on the values of other fields,
// after flags/file/env have all been merged but before ValidateConfig runs.
func Rationalize(c *Config) error {
	if c.Debug.LogMutex {
		c.Logging.Severity = TraceLogSeverity
	}

	if c.FileSystem.SIOQWorkers <= 0 {
		c.FileSystem.SIOQWorkers = DefaultSIOQWorkers()
	}

	if c.FileSystem.ReaddirCacheCapacity <= 0 {
		c.FileSystem.ReaddirCacheCapacity = DefaultReaddirCacheCapacity
	}

	if c.FileSystem.ReaddirCacheTTL <= 0 {
		c.FileSystem.ReaddirCacheTTL = DefaultReaddirCacheTTL
	}

	// A lone branch with no explicit permission is writable, matching
	// unionfs-fuse's single-branch mount behavior.
	if len(c.Branches) == 1 && c.Branches[0].Perm == "" {
		c.Branches[0].Perm = BranchReadWrite
	}

	return nil
}
