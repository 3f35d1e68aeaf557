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

import "fmt"

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidBranches(branches []Branch) error {
	if len(branches) == 0 {
		return fmt.Errorf("at least one branch directory must be given via --dirs")
	}
	if len(branches) > MaxBranches {
		return fmt.Errorf("too many branches: %d exceeds the maximum of %d", len(branches), MaxBranches)
	}

	writable := false
	seen := make(map[ResolvedPath]bool, len(branches))
	for _, b := range branches {
		if seen[b.Path] {
			return fmt.Errorf("branch %q listed more than once", b.Path)
		}
		seen[b.Path] = true

		if b.Perm == BranchReadWrite {
			writable = true
		}
	}
	if !writable {
		return fmt.Errorf("at least one branch must be writable (=RW)")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err := isValidBranches(config.Branches); err != nil {
		return fmt.Errorf("error parsing dirs config: %w", err)
	}

	if config.FileSystem.SIOQWorkers < 0 {
		return fmt.Errorf("sioq-workers must not be negative")
	}

	return nil
}
