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

package backoff

import (
	"testing"
	"time"

	grpcbackoff "google.golang.org/grpc/backoff"
)

func TestBackoff_NoJitter(t *testing.T) {
	strategy := Exponential{Config: grpcbackoff.Config{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
		MaxDelay:   800 * time.Millisecond,
	}}
	wants := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		800 * time.Millisecond, // capped
		800 * time.Millisecond,
	}
	for retries, want := range wants {
		if got := strategy.Backoff(retries); got != want {
			t.Errorf("Backoff(%d) = %v; want %v", retries, got, want)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	const retries = 3
	cfg := grpcbackoff.DefaultConfig
	unjittered := float64(cfg.BaseDelay)
	for i := 0; i < retries; i++ {
		unjittered *= cfg.Multiplier
	}
	lo := time.Duration(unjittered * (1 - cfg.Jitter))
	hi := time.Duration(unjittered * (1 + cfg.Jitter))
	for i := 0; i < 100; i++ {
		got := DefaultExponential.Backoff(retries)
		if got < lo || got > hi {
			t.Fatalf("Backoff(%d) = %v; want within [%v, %v]", retries, got, lo, hi)
		}
	}
}
