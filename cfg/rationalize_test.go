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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRationalize_LogMutexForcesTraceSeverity(t *testing.T) {
	c := &Config{Debug: DebugConfig{LogMutex: true}}
	require.NoError(t, Rationalize(c))
	assert.Equal(t, TraceLogSeverity, c.Logging.Severity)
}

func TestRationalize_FillsFileSystemDefaults(t *testing.T) {
	c := &Config{}
	require.NoError(t, Rationalize(c))
	assert.Greater(t, c.FileSystem.SIOQWorkers, 0)
	assert.Equal(t, DefaultReaddirCacheCapacity, c.FileSystem.ReaddirCacheCapacity)
	assert.Equal(t, DefaultReaddirCacheTTL, c.FileSystem.ReaddirCacheTTL)
}

func TestRationalize_SingleBareBranchDefaultsWritable(t *testing.T) {
	c := &Config{Branches: []Branch{{Path: "/tmp/only"}}}
	require.NoError(t, Rationalize(c))
	assert.Equal(t, BranchReadWrite, c.Branches[0].Perm)
}
