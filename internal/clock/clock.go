// Copyright 2025 Google LLC
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

// Package clock provides a narrow, mockable abstraction over wall-clock
// time. The filesystem uses it in SetInodeAttributes to fill in an unset
// atime or mtime; the readdir cursor cache takes its own time function
// (time.Now in production) instead.
package clock

import "time"

// Clock mirrors jacobsa/timeutil.Clock's shape so either satisfies code
// written against the other; RealClock is a thin wrapper over the
// standard library, SimulatedClock and FakeClock are test doubles.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

var (
	_ Clock = RealClock{}
	_ Clock = &SimulatedClock{}
	_ Clock = &FakeClock{}
)
