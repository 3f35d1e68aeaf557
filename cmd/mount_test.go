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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-unionfs/unionfs/cfg"
)

func TestGetFuseMountConfigNamesAndSubtype(t *testing.T) {
	newConfig := &cfg.Config{Logging: cfg.LoggingConfig{Severity: cfg.InfoLogSeverity}}
	mountCfg := getFuseMountConfig("myfs", newConfig)

	assert.Equal(t, "myfs", mountCfg.FSName)
	assert.Equal(t, "myfs", mountCfg.VolumeName)
	assert.Equal(t, "unionfs", mountCfg.Subtype)
	assert.True(t, mountCfg.EnableParallelDirOps)
}

func TestGetFuseMountConfigLoggerWiringBySeverity(t *testing.T) {
	cases := []struct {
		severity  cfg.LogSeverity
		wantError bool
		wantDebug bool
	}{
		{cfg.OffLogSeverity, false, false},
		{cfg.ErrorLogSeverity, true, false},
		{cfg.WarningLogSeverity, true, false},
		{cfg.InfoLogSeverity, true, false},
		{cfg.DebugLogSeverity, true, false},
		{cfg.TraceLogSeverity, true, true},
	}

	for _, c := range cases {
		newConfig := &cfg.Config{Logging: cfg.LoggingConfig{Severity: c.severity}}
		mountCfg := getFuseMountConfig("unionfs", newConfig)

		assert.Equal(t, c.wantError, mountCfg.ErrorLogger != nil, "severity %s", c.severity)
		assert.Equal(t, c.wantDebug, mountCfg.DebugLogger != nil, "severity %s", c.severity)
	}
}
