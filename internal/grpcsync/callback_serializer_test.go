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

package grpcsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const defaultTestTimeout = 5 * time.Second

// TestCallbackSerializer_Schedule_FIFO verifies that callbacks are executed in
// the order in which they were scheduled.
func TestCallbackSerializer_Schedule_FIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cs := NewCallbackSerializer(ctx)
	defer cancel()

	// We have two channels, one to record the order of scheduling, and the
	// other to record the order of execution. We spawn a bunch of goroutines
	// which record the order of scheduling and call the actual Schedule()
	// method as well. The callbacks record the order of execution.
	//
	// We need to grab a lock to record order of scheduling to guarantee that
	// the act of recording and the act of calling Schedule() happen atomically.
	const numCallbacks = 100
	var mu sync.Mutex
	scheduleOrderCh := make(chan int, numCallbacks)
	executionOrderCh := make(chan int, numCallbacks)
	for i := 0; i < numCallbacks; i++ {
		go func(id int) {
			mu.Lock()
			defer mu.Unlock()
			scheduleOrderCh <- id
			cs.TrySchedule(func(ctx context.Context) {
				select {
				case <-ctx.Done():
					return
				case executionOrderCh <- id:
				}
			})
		}(i)
	}

	// Spawn a couple of goroutines to capture the order or scheduling and the
	// order of execution.
	scheduleOrder := make([]int, numCallbacks)
	executionOrder := make([]int, numCallbacks)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < numCallbacks; i++ {
			select {
			case <-ctx.Done():
				return
			case id := <-scheduleOrderCh:
				scheduleOrder[i] = id
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < numCallbacks; i++ {
			select {
			case <-ctx.Done():
				return
			case id := <-executionOrderCh:
				executionOrder[i] = id
			}
		}
	}()
	wg.Wait()

	if diff := cmp.Diff(executionOrder, scheduleOrder); diff != "" {
		t.Fatalf("Callbacks are not executed in scheduled order. diff(-want, +got):\n%s", diff)
	}
}

// TestCallbackSerializer_Schedule_Close verifies that callbacks scheduled
// before the context is canceled still run, and that TrySchedule eventually
// rejects new callbacks after cancellation.
func TestCallbackSerializer_Schedule_Close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	serializerCtx, serializerCancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	cs := NewCallbackSerializer(serializerCtx)

	// Schedule a callback which blocks until the test lets it proceed, to
	// keep subsequent callbacks pending.
	firstCallbackStartedCh := make(chan struct{})
	firstCallbackBlockCh := make(chan struct{})
	cs.TrySchedule(func(context.Context) {
		close(firstCallbackStartedCh)
		<-firstCallbackBlockCh
	})

	// Schedule a bunch of callbacks. These must be executed since they are
	// scheduled before the serializer is closed.
	const numCallbacks = 10
	callbackCh := make(chan int, numCallbacks)
	for i := 0; i < numCallbacks; i++ {
		num := i
		if !cs.TrySchedule(func(context.Context) { callbackCh <- num }) {
			t.Fatal("Schedule failed to accept a callback when the serializer is yet to be closed")
		}
	}

	// Ensure that none of the newer callbacks are executed at this point.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-callbackCh:
		t.Fatal("Newer callback executed when older one is still blocking")
	}

	// Wait for the first callback to start before closing the serializer.
	<-firstCallbackStartedCh

	// Cancel the context which will unblock any pending callbacks, and then
	// let the first callback return.
	serializerCancel()
	close(firstCallbackBlockCh)

	// The pending callbacks must still run, in order.
	for i := 0; i < numCallbacks; i++ {
		select {
		case <-ctx.Done():
			t.Fatal("Timeout waiting for callback scheduled before close to be executed")
		case num := <-callbackCh:
			if num != i {
				t.Fatalf("Executing callback %d, want %d", num, i)
			}
		}
	}
	<-cs.Done()

	// Scheduling after the serializer has fully drained must fail.
	done := make(chan struct{})
	if cs.TrySchedule(func(context.Context) { close(done) }) {
		t.Fatal("Scheduled a callback after closing the serializer")
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-done:
		t.Fatal("Newer callback executed when scheduled after closing serializer")
	}
}
