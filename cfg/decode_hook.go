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
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(Octal(0)):
			return strconv.ParseInt(s, 8, 32)
		case reflect.TypeOf(LogSeverity("")):
			level := strings.ToUpper(s)
			if !slices.Contains([]string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}, level) {
				return nil, fmt.Errorf("invalid logseverity: %s", s)
			}
			return level, nil
		case reflect.TypeOf(BranchPerm("")):
			perm := strings.ToUpper(s)
			if perm != string(BranchReadWrite) && perm != string(BranchReadOnly) {
				return nil, fmt.Errorf("invalid branch permission: %s", s)
			}
			return perm, nil
		case reflect.TypeOf(ResolvedPath("")):
			abs, err := filepath.Abs(s)
			if err != nil {
				return nil, err
			}
			return filepath.Clean(abs), nil
		case reflect.TypeOf([]Branch{}):
			return ParseBranches(s)
		default:
			return data, nil
		}
	}
}

func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(), // default hook
		mapstructure.StringToSliceHookFunc(","),     // default hook
	)
}

// ParseBranches parses a spec.md §6 dirs= value: colon-separated branch
// roots, highest priority first, each optionally suffixed "=RW" or "=RO".
// A bare path defaults to RW, whatever its position.
func ParseBranches(spec string) ([]Branch, error) {
	if spec == "" {
		return nil, fmt.Errorf("dirs value must not be empty")
	}

	parts := strings.Split(spec, ":")
	branches := make([]Branch, 0, len(parts))
	for _, part := range parts {
		path := part
		perm := BranchReadWrite

		if idx := strings.LastIndex(part, "="); idx >= 0 {
			path = part[:idx]
			switch strings.ToUpper(part[idx+1:]) {
			case string(BranchReadWrite):
				perm = BranchReadWrite
			case string(BranchReadOnly):
				perm = BranchReadOnly
			default:
				return nil, fmt.Errorf("invalid branch permission suffix in %q", part)
			}
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving branch path %q: %w", path, err)
		}

		branches = append(branches, Branch{Path: ResolvedPath(filepath.Clean(abs)), Perm: perm})
	}
	return branches, nil
}
