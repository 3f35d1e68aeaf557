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

package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPopulateArgsRequiresExactlyOneArg(t *testing.T) {
	for _, args := range [][]string{nil, {}, {"a", "b"}} {
		_, err := populateArgs(args)
		assert.Error(t, err, "populateArgs(%v) should fail", args)
	}
}

func TestPopulateArgsResolvesToAbsoluteCleanPath(t *testing.T) {
	mountPoint, err := populateArgs([]string{"./mnt/../mnt"})
	assert.NoError(t, err)
	assert.True(t, filepath.IsAbs(mountPoint), "mountPoint %q should be absolute", mountPoint)
	assert.Equal(t, filepath.Clean(mountPoint), mountPoint)
	assert.Equal(t, "mnt", filepath.Base(mountPoint))
}
