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

import "time"

const (
	// Logging-level constants

	TRACE   string = "TRACE"
	DEBUG   string = "DEBUG"
	INFO    string = "INFO"
	WARNING string = "WARNING"
	ERROR   string = "ERROR"
	OFF     string = "OFF"
)

const (
	// MaxBranches bounds how many dirs= entries a single mount may carry
	// (spec.md §9's configuration-with-defaults callout).
	MaxBranches = 128

	// DefaultSillyRenameRetries has the same value as
	// copyup.MaxSillyRenameAttempts, which is the bound copy-up's
	// silly-rename loop uses (spec.md §4.6/§9); no code reads this constant.
	DefaultSillyRenameRetries = 32

	// DefaultReaddirCacheCapacity is the number of directory listing
	// cursors retained across closedir/opendir pairs by default.
	DefaultReaddirCacheCapacity = 1024

	// DefaultReaddirCacheTTL is how long a cached cursor survives by
	// default after its directory handle is released.
	DefaultReaddirCacheTTL = 30 * time.Second
)
