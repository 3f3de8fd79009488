/*
 *
 * Copyright 2025 the meshproxy authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package internal contains functionality internal to the loadreporter
// module, including hooks that tests override to control time and retry
// behavior.
package internal

import "time"

// Timer is the subset of *time.Timer needed by the report scheduler. Tests
// substitute their own implementation to fire callbacks synchronously.
type Timer interface {
	Stop() bool
}

var (
	// TimeNow is used to compute per-cluster report intervals. Overridden in
	// tests to control the clock.
	TimeNow = time.Now

	// TimeAfterFunc schedules a callback to run after the given duration. It
	// is the single timer used to drive the reporting cadence. Overridden in
	// tests to fire the callback on demand.
	TimeAfterFunc = func(d time.Duration, f func()) Timer {
		return time.AfterFunc(d, f)
	}

	// StreamBackoff, if non-nil, replaces the default exponential backoff
	// between stream attempts. Overridden in tests to avoid real waits and to
	// observe retries.
	StreamBackoff func(retries int) time.Duration
)
